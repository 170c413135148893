// Package security provides capability tokens, permission checks, and
// revocable sandbox sessions for the extension runtime.
package security

import (
	"fmt"
	"strings"
)

// Capability is a permission token an extension can be granted.
// Grants are a ceiling: the sandbox denies everything outside them.
// Capabilities are hierarchical; granting a parent implies children.
type Capability string

// Capabilities extensions can request in their manifest.
const (
	// CapabilityFileRead allows reading files, scoped by allowedPaths.
	CapabilityFileRead Capability = "filesystem.read"

	// CapabilityFileWrite allows writing files, scoped by allowedPaths.
	CapabilityFileWrite Capability = "filesystem.write"

	// CapabilityNetwork allows opening network connections, scoped by
	// allowedHosts.
	CapabilityNetwork Capability = "network"

	// CapabilitySpawn allows spawning child processes.
	CapabilitySpawn Capability = "process.spawn"

	// CapabilityUnsafe opens the full Lua stdlib. Reserved for trusted
	// built-in tooling; third-party manifests requesting it are refused
	// at load time unless the host config explicitly allows it.
	CapabilityUnsafe Capability = "unsafe"
)

// RiskLevel indicates how dangerous a capability is.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Info provides metadata about a capability.
type Info struct {
	Name        Capability
	DisplayName string
	Description string
	Risk        RiskLevel
}

var registry = map[Capability]Info{
	CapabilityFileRead: {
		Name:        CapabilityFileRead,
		DisplayName: "File Read",
		Description: "Read files within the granted path set",
		Risk:        RiskMedium,
	},
	CapabilityFileWrite: {
		Name:        CapabilityFileWrite,
		DisplayName: "File Write",
		Description: "Write files within the granted path set",
		Risk:        RiskHigh,
	},
	CapabilityNetwork: {
		Name:        CapabilityNetwork,
		DisplayName: "Network Access",
		Description: "Open connections to the granted host set",
		Risk:        RiskHigh,
	},
	CapabilitySpawn: {
		Name:        CapabilitySpawn,
		DisplayName: "Process Spawn",
		Description: "Spawn child processes",
		Risk:        RiskCritical,
	},
	CapabilityUnsafe: {
		Name:        CapabilityUnsafe,
		DisplayName: "Unsafe Mode",
		Description: "Full Lua stdlib access (trusted builtins only)",
		Risk:        RiskCritical,
	},
}

// GetInfo returns metadata about a capability.
func GetInfo(cap Capability) (Info, bool) {
	info, ok := registry[cap]
	return info, ok
}

// IsValid returns true if the capability is known.
func IsValid(cap Capability) bool {
	_, ok := registry[cap]
	return ok
}

// All returns every known capability.
func All() []Capability {
	caps := make([]Capability, 0, len(registry))
	for cap := range registry {
		caps = append(caps, cap)
	}
	return caps
}

// Implies returns true if holding granted implies holding required.
func Implies(granted, required Capability) bool {
	if granted == required {
		return true
	}
	return strings.HasPrefix(string(required), string(granted)+".")
}

// CapabilityError is returned when an operation falls outside the
// granted capability ceiling. It is the CapabilityDenied of the error
// taxonomy and is always surfaced as a security event.
type CapabilityError struct {
	Capability Capability
	Operation  string
	Reason     string
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("capability %q required for %s: %s", e.Capability, e.Operation, e.Reason)
	}
	return fmt.Sprintf("capability %q: %s", e.Capability, e.Reason)
}

// Denied creates a CapabilityError.
func Denied(cap Capability, operation, reason string) *CapabilityError {
	return &CapabilityError{Capability: cap, Operation: operation, Reason: reason}
}
