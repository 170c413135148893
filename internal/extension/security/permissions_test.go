package security

import (
	"errors"
	"testing"
)

func TestCheckerDeniesByDefault(t *testing.T) {
	c := NewChecker("test")

	if c.Has(CapabilityFileRead) {
		t.Error("zero grant set should not have filesystem.read")
	}
	if err := c.CheckFileRead("/tmp/anything"); err == nil {
		t.Error("CheckFileRead should fail without a grant")
	}
	if err := c.CheckNetwork("example.com"); err == nil {
		t.Error("CheckNetwork should fail without a grant")
	}
	if err := c.CheckSpawn("ls"); err == nil {
		t.Error("CheckSpawn should fail without a grant")
	}
}

func TestCheckerGrantRevoke(t *testing.T) {
	c := NewChecker("test")

	c.Grant(CapabilityFileRead)
	if !c.Has(CapabilityFileRead) {
		t.Error("Has should be true after Grant")
	}

	c.Revoke(CapabilityFileRead)
	if c.Has(CapabilityFileRead) {
		t.Error("Has should be false after Revoke")
	}
}

func TestCheckerUnscopedGrant(t *testing.T) {
	c := NewChecker("test")
	c.Grant(CapabilityFileRead)

	// No allow list: the grant is unscoped.
	if err := c.CheckFileRead("/etc/hostname"); err != nil {
		t.Errorf("unscoped read should pass: %v", err)
	}
}

func TestCheckerPathScoping(t *testing.T) {
	c := NewChecker("test")
	c.Grant(CapabilityFileRead)
	c.AllowPath("/tmp/ext")

	tests := []struct {
		path string
		ok   bool
	}{
		{"/tmp/ext/data.txt", true},
		{"/tmp/ext", true},
		{"/tmp/ext/sub/deep.txt", true},
		{"/tmp/extother/data.txt", false}, // sibling with shared prefix
		{"/tmp/other.txt", false},
		{"/etc/passwd", false},
	}
	for _, tt := range tests {
		err := c.CheckFileRead(tt.path)
		if tt.ok && err != nil {
			t.Errorf("CheckFileRead(%q) = %v, want nil", tt.path, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("CheckFileRead(%q) = nil, want denial", tt.path)
		}
	}
}

func TestCheckerBlockedPathWins(t *testing.T) {
	c := NewChecker("test")
	c.Grant(CapabilityFileWrite)
	c.AllowPath("/tmp/ext")
	c.BlockPath("/tmp/ext/secrets")

	if err := c.CheckFileWrite("/tmp/ext/ok.txt"); err != nil {
		t.Errorf("allowed path should pass: %v", err)
	}
	if err := c.CheckFileWrite("/tmp/ext/secrets/key"); err == nil {
		t.Error("blocked path should be denied even inside the allow set")
	}
}

func TestCheckerHostMatching(t *testing.T) {
	c := NewChecker("test")
	c.Grant(CapabilityNetwork)
	c.AllowHost("api.example.com")
	c.AllowHost("*.nixos.org")

	tests := []struct {
		host string
		ok   bool
	}{
		{"api.example.com", true},
		{"API.Example.Com", true},
		{"api.example.com:443", true},
		{"cache.nixos.org", true},
		{"evil.com", false},
		{"example.com", false},
		{"notnixos.org", false},
	}
	for _, tt := range tests {
		err := c.CheckNetwork(tt.host)
		if tt.ok && err != nil {
			t.Errorf("CheckNetwork(%q) = %v, want nil", tt.host, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("CheckNetwork(%q) = nil, want denial", tt.host)
		}
	}
}

func TestCheckerBlockedHostWins(t *testing.T) {
	c := NewChecker("test")
	c.Grant(CapabilityNetwork)
	c.AllowHost("*.example.com")
	c.BlockHost("internal.example.com")

	if err := c.CheckNetwork("api.example.com"); err != nil {
		t.Errorf("allowed host should pass: %v", err)
	}
	if err := c.CheckNetwork("internal.example.com"); err == nil {
		t.Error("blocked host should be denied despite the wildcard allow")
	}
}

func TestDeniedErrorCarriesDetail(t *testing.T) {
	c := NewChecker("my-ext")
	err := c.CheckSpawn("rm")
	if err == nil {
		t.Fatal("expected denial")
	}

	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected *CapabilityError, got %T", err)
	}
	if capErr.Capability != CapabilitySpawn {
		t.Errorf("Capability = %s, want %s", capErr.Capability, CapabilitySpawn)
	}
}

func TestIsValid(t *testing.T) {
	for _, cap := range All() {
		if !IsValid(cap) {
			t.Errorf("IsValid(%s) = false, want true", cap)
		}
	}
	if IsValid(Capability("made-up")) {
		t.Error("IsValid should reject unknown capabilities")
	}
}
