// Command nixsage is the admin and driver shell for the extension
// runtime: it routes one-off intents, lists extensions, exercises
// reloads and prints watcher hints. It is not a presentation layer.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nixsage/nixsage/internal/config"
	"github.com/nixsage/nixsage/internal/extension"
	"github.com/nixsage/nixsage/internal/intent"
	"github.com/nixsage/nixsage/internal/logging"
	"github.com/nixsage/nixsage/internal/nixgen"
	"github.com/nixsage/nixsage/internal/watch"
)

var (
	configPath string
	verbose    bool
	asJSON     bool

	kindFlag       string
	confidenceFlag float64
	paramFlags     []string

	logger   *zap.Logger
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "nixsage",
	Short: "nixsage - extension runtime for a NixOS assistant",
	Long: `nixsage routes structured intents through sandboxed extensions.

Intents are classified upstream; this tool drives the runtime core:
discovery, sandboxed loading, priority routing, and the built-in
configuration generator.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Route one intent through the loaded extensions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, _, err := buildSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer closeSystem(sys)

		in := intent.New(intent.ParseKind(kindFlag), strings.Join(args, " "))
		in.Confidence = confidenceFlag
		for _, p := range paramFlags {
			k, v, ok := strings.Cut(p, "=")
			if !ok {
				return fmt.Errorf("bad --param %q, want key=value", p)
			}
			in.Parameters[k] = v
		}

		session := intent.NewSession()
		res := sys.Handle(cmd.Context(), in, session)
		return printResult(res)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate [keywords]",
	Short: "Generate a NixOS configuration fragment from keywords",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, _, err := buildSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer closeSystem(sys)

		in := intent.New(intent.KindGenerateConfig, strings.Join(args, " "))
		res := sys.Handle(cmd.Context(), in, intent.NewSession())
		return printResult(res)
	},
}

var extensionsCmd = &cobra.Command{
	Use:   "extensions",
	Short: "List loaded extensions and discovery warnings",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, _, err := buildSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer closeSystem(sys)

		for _, l := range sys.Extensions() {
			d := l.Descriptor
			fmt.Printf("%-24s priority=%-3d source=%-7s %s\n",
				d.Identity, l.Priority, d.Source, d.Location)
		}
		for _, w := range sys.Warnings() {
			fmt.Printf("warning: %s\n", w)
		}
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload [identity|*]",
	Short: "Tear down and rebuild an extension (or all of them)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, _, err := buildSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer closeSystem(sys)

		if err := sys.Reload(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("reloaded %s (%d extensions live)\n", args[0], sys.Registry().Len())
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print reload hints as extension trees change on disk",
	Long: `Watches the extension search paths and prints the identity of each
extension whose files change. Nothing is reloaded automatically; run
'nixsage reload <identity>' when you want the change picked up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		w, err := watch.New(cfg.SearchPaths, watch.WithLogger(logger))
		if err != nil {
			return err
		}
		defer w.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Println("watching; ctrl-c to stop")
		for {
			select {
			case <-ctx.Done():
				return nil
			case hint, ok := <-w.Hints():
				if !ok {
					return nil
				}
				fmt.Printf("changed: %s (reload with 'nixsage reload %s')\n",
					hint.Identity, hint.Identity)
			}
		}
	},
}

// buildSystem assembles the runtime from configuration and loads all
// extensions. Partial load failures are reported but not fatal.
func buildSystem(ctx context.Context) (*extension.System, config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, cfg, err
	}

	discoverer := extension.NewDiscoverer(
		extension.WithSearchPaths(cfg.SearchPaths...),
		extension.WithStateDir(cfg.StateDir),
		extension.WithDiscovererLogger(logger),
	)
	if err := discoverer.RegisterBuiltin(nixgen.Manifest(), nixgen.New); err != nil {
		return nil, cfg, err
	}

	sys := extension.NewSystem(
		discoverer,
		extension.NewLoader(
			extension.WithLoaderLogger(logger),
			extension.WithAllowUnsafe(cfg.AllowUnsafe),
		),
		extension.NewRegistry(
			extension.WithDispatchTimeout(cfg.DispatchTimeout.Std()),
			extension.WithFallback(cfg.Fallback),
			extension.WithRegistryLogger(logger),
		),
		extension.WithSystemLogger(logger),
		extension.WithExtensionConfigs(cfg.Extensions),
		extension.WithMaxParallelLoads(cfg.MaxParallelLoads),
	)

	if err := sys.LoadAll(ctx); err != nil {
		logger.Warn("some extensions failed to load", zap.Error(err))
	}
	return sys, cfg, nil
}

func closeSystem(sys *extension.System) {
	if err := sys.Close(); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

func printResult(res *intent.Result) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if res.Output != "" {
		fmt.Println(res.Output)
	}
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "error (%s): %s\n", res.Err.Code, res.Err.Message)
	}
	for _, s := range res.Suggestions {
		fmt.Fprintf(os.Stderr, "hint: %s\n", s)
	}
	if !res.Success {
		exitCode = 1
	}
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "emit results as JSON")

	queryCmd.Flags().StringVar(&kindFlag, "kind", "query", "intent kind")
	queryCmd.Flags().Float64Var(&confidenceFlag, "confidence", 1.0, "classifier confidence")
	queryCmd.Flags().StringArrayVar(&paramFlags, "param", nil, "intent parameter (key=value)")

	rootCmd.AddCommand(queryCmd, generateCmd, extensionsCmd, reloadCmd, watchCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		exitCode = 1
	}
	os.Exit(exitCode)
}
