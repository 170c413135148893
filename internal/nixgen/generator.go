// Package nixgen is the built-in configuration generator extension.
// It translates keyword requests into a deterministic NixOS
// configuration fragment: the same multiset of keywords produces
// byte-identical output regardless of order or repetition.
package nixgen

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nixsage/nixsage/internal/extension"
	"github.com/nixsage/nixsage/internal/intent"
)

// Name is the extension identity.
const Name = "nixgen"

// headerLine opens every generated document, exactly once.
const headerLine = "# NixOS configuration generated by nixsage"

// Generator implements the capability contract in Go. It needs no
// capabilities: it reads nothing and writes nothing, it only renders.
type Generator struct {
	logger *zap.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// New constructs the generator as an extension.Factory.
func New() (extension.Extension, error) {
	return NewGenerator(), nil
}

// NewGenerator constructs the generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Manifest returns the builtin manifest: default priority, no
// capability ceiling.
func Manifest() *extension.Manifest {
	return &extension.Manifest{
		Name:        Name,
		Version:     "1.0.0",
		Description: "generates NixOS configuration fragments from keywords",
		Priority:    extension.DefaultPriority,
	}
}

// Name returns the extension identity.
func (g *Generator) Name() string {
	return Name
}

// CanHandle claims generate-config intents, plus query intents whose
// text asks for configuration.
func (g *Generator) CanHandle(in intent.Intent) bool {
	switch in.Kind {
	case intent.KindGenerateConfig:
		return true
	case intent.KindQuery, intent.KindUnknown:
		return mentionsConfiguration(in)
	default:
		return false
	}
}

func mentionsConfiguration(in intent.Intent) bool {
	text := strings.ToLower(in.RawQuery)
	return strings.Contains(text, "config")
}

// Process renders the configuration for the request's keywords.
// Intents that are not configuration requests are declined so routing
// can continue past the generator when it serves as fallback.
func (g *Generator) Process(ctx context.Context, in intent.Intent, session *intent.Session) (*intent.Result, error) {
	if !g.CanHandle(in) {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matched := matchModules(in)

	if pairs := findConflicts(matched); len(pairs) > 0 {
		suggestions := make([]string, 0, len(pairs)+1)
		for _, p := range pairs {
			suggestions = append(suggestions, fmt.Sprintf("%s conflicts with %s: pick one", p[0], p[1]))
		}
		suggestions = append(suggestions, "remove one side of each conflict and retry")
		g.logger.Debug("conflicting modules requested",
			zap.Strings("modules", matched))
		return intent.Fail("conflicting_modules", "requested modules conflict", suggestions...), nil
	}

	doc := render(matched)
	res := intent.Ok(doc)
	res.Metadata = map[string]any{
		intent.MetaHistoryNote: fmt.Sprintf("generated configuration with %d modules", len(matched)),
	}
	if len(matched) == 0 {
		res.Suggestions = []string{
			"be more specific: name services, packages or a desktop (e.g. \"nginx with postgresql\")",
		}
	}
	return res, nil
}

// matchModules scans the raw query and string parameters for table
// keywords. The result is a sorted set of module keys: order and
// repetition of keywords cannot affect it.
func matchModules(in intent.Intent) []string {
	var texts []string
	texts = append(texts, strings.ToLower(in.RawQuery))
	for _, v := range in.Parameters {
		if s, ok := v.(string); ok {
			texts = append(texts, strings.ToLower(s))
		}
	}

	set := make(map[string]struct{})
	for keyword, key := range keywordTable {
		for _, text := range texts {
			if strings.Contains(text, keyword) {
				set[key] = struct{}{}
				break
			}
		}
	}

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// findConflicts returns conflicting pairs among matched modules,
// each pair ordered and the pair list sorted for determinism.
func findConflicts(matched []string) [][2]string {
	present := make(map[string]struct{}, len(matched))
	for _, k := range matched {
		present[k] = struct{}{}
	}

	seen := make(map[string]struct{})
	var pairs [][2]string
	for _, k := range matched {
		mod, ok := modulesTable[k]
		if !ok {
			continue
		}
		for _, other := range mod.conflicts {
			if _, ok := present[other]; !ok {
				continue
			}
			a, b := k, other
			if b < a {
				a, b = b, a
			}
			id := a + "|" + b
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			pairs = append(pairs, [2]string{a, b})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	return pairs
}

// render produces the document: one header line, then each non-empty
// section in fixed order as a "# <name>" header over its
// lexicographically sorted entries. Zero modules render the bare
// skeleton.
func render(matched []string) string {
	sections := make(map[string]map[string]struct{})
	for _, key := range matched {
		mod, ok := modulesTable[key]
		if !ok {
			continue
		}
		if sections[mod.section] == nil {
			sections[mod.section] = make(map[string]struct{})
		}
		for _, entry := range mod.entries {
			sections[mod.section][entry] = struct{}{}
		}
	}

	var b strings.Builder
	b.WriteString(headerLine)
	b.WriteString("\n")

	for _, name := range sectionOrder {
		entries := sections[name]
		if len(entries) == 0 {
			continue
		}
		sorted := make([]string, 0, len(entries))
		for e := range entries {
			sorted = append(sorted, e)
		}
		sort.Strings(sorted)

		b.WriteString("\n# ")
		b.WriteString(name)
		b.WriteString("\n")
		for _, e := range sorted {
			b.WriteString(e)
			b.WriteString("\n")
		}
	}
	return b.String()
}
