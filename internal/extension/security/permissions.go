package security

import (
	"net"
	"path/filepath"
	"strings"
	"sync"
)

// Checker validates operations against an extension's granted ceiling.
// The zero grant set denies everything.
type Checker struct {
	mu sync.RWMutex

	capabilities map[Capability]bool

	// Normalized absolute paths.
	allowedPaths []string
	blockedPaths []string

	// Lowercased hosts; "*.example.com" patterns allowed.
	allowedHosts []string
	blockedHosts []string

	extensionName string
}

// NewChecker creates a checker for the named extension with no grants.
func NewChecker(extensionName string) *Checker {
	return &Checker{
		capabilities:  make(map[Capability]bool),
		extensionName: extensionName,
	}
}

// Grant enables a capability.
func (c *Checker) Grant(cap Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities[cap] = true
}

// GrantAll enables multiple capabilities.
func (c *Checker) GrantAll(caps []Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cap := range caps {
		c.capabilities[cap] = true
	}
}

// Revoke disables a capability.
func (c *Checker) Revoke(cap Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.capabilities, cap)
}

// Has returns true if the capability (or a parent of it) is granted.
func (c *Checker) Has(cap Capability) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.capabilities[cap] {
		return true
	}
	for granted := range c.capabilities {
		if Implies(granted, cap) {
			return true
		}
	}
	return false
}

// Capabilities returns all granted capabilities.
func (c *Checker) Capabilities() []Capability {
	c.mu.RLock()
	defer c.mu.RUnlock()

	caps := make([]Capability, 0, len(c.capabilities))
	for cap := range c.capabilities {
		caps = append(caps, cap)
	}
	return caps
}

// AllowPath adds a path to the readable/writable set.
func (c *Checker) AllowPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowedPaths = append(c.allowedPaths, normalizePath(path))
}

// BlockPath adds a path to the deny set. Blocks take precedence.
func (c *Checker) BlockPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockedPaths = append(c.blockedPaths, normalizePath(path))
}

// AllowHost adds a host (or "*.suffix" pattern) to the reachable set.
func (c *Checker) AllowHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowedHosts = append(c.allowedHosts, strings.ToLower(host))
}

// BlockHost adds a host to the deny set. Blocks take precedence.
func (c *Checker) BlockHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockedHosts = append(c.blockedHosts, strings.ToLower(host))
}

func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

// CheckFileRead validates a read of path against the granted ceiling.
func (c *Checker) CheckFileRead(path string) error {
	if !c.Has(CapabilityFileRead) {
		return Denied(CapabilityFileRead, "read "+path, "not granted")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkPath(CapabilityFileRead, path, "read "+path)
}

// CheckFileWrite validates a write of path against the granted ceiling.
func (c *Checker) CheckFileWrite(path string) error {
	if !c.Has(CapabilityFileWrite) {
		return Denied(CapabilityFileWrite, "write "+path, "not granted")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkPath(CapabilityFileWrite, path, "write "+path)
}

// checkPath enforces allow/block path lists. Callers hold mu.
func (c *Checker) checkPath(cap Capability, path, operation string) error {
	abs := normalizePath(path)

	for _, blocked := range c.blockedPaths {
		if isWithin(abs, blocked) {
			return Denied(cap, operation, "path is blocked")
		}
	}

	// An empty allow list with the capability granted means the grant
	// is unscoped. A non-empty list is the ceiling.
	if len(c.allowedPaths) > 0 {
		for _, allowed := range c.allowedPaths {
			if isWithin(abs, allowed) {
				return nil
			}
		}
		return Denied(cap, operation, "path outside granted set")
	}
	return nil
}

// isWithin reports whether target is base or inside it. filepath.Rel
// distinguishes "/tmp/blocked" from "/tmp/blockedfile".
func isWithin(target, base string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// CheckNetwork validates a connection to host (optionally host:port).
func (c *Checker) CheckNetwork(host string) error {
	if !c.Has(CapabilityNetwork) {
		return Denied(CapabilityNetwork, "connect "+host, "not granted")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	hostOnly := strings.ToLower(extractHost(host))

	for _, blocked := range c.blockedHosts {
		if matchHost(hostOnly, blocked) {
			return Denied(CapabilityNetwork, "connect "+host, "host is blocked")
		}
	}

	if len(c.allowedHosts) > 0 {
		for _, allowed := range c.allowedHosts {
			if matchHost(hostOnly, allowed) {
				return nil
			}
		}
		return Denied(CapabilityNetwork, "connect "+host, "host outside granted set")
	}
	return nil
}

// CheckSpawn validates spawning an executable.
func (c *Checker) CheckSpawn(executable string) error {
	if !c.Has(CapabilitySpawn) {
		return Denied(CapabilitySpawn, "spawn "+executable, "not granted")
	}
	return nil
}

// extractHost strips a port, handling bracketed IPv6 addresses.
func extractHost(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host
	}
	if strings.HasPrefix(hostPort, "[") && strings.HasSuffix(hostPort, "]") {
		return hostPort[1 : len(hostPort)-1]
	}
	return hostPort
}

// matchHost checks a host against a pattern, supporting "*.suffix".
func matchHost(host, pattern string) bool {
	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}
