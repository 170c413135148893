package extension

import (
	"context"
	"errors"
	"testing"

	"github.com/nixsage/nixsage/internal/extension/security"
	"github.com/nixsage/nixsage/internal/intent"
)

func newHostFromLua(t *testing.T, name, code string, opts ...HostOption) (*Host, error) {
	t.Helper()
	dir := t.TempDir()
	writeLua(t, dir, "init.lua", code)

	manifest := NewManifestMinimal(name, dir)
	session := security.NewSession(security.NewChecker(name))
	t.Cleanup(func() { _ = session.Revoke() })

	h, err := NewHost(manifest, session, opts...)
	if err != nil {
		t.Fatalf("NewHost() = %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h, h.Load(context.Background())
}

func TestHostGlobalsStyle(t *testing.T) {
	h, err := newHostFromLua(t, "globals-ext", `
		function can_handle(in_)
			return in_.kind == "search"
		end
		function process(in_, session)
			return { success = true, output = "found: " .. in_.query }
		end
	`)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if h.State() != StateLoaded {
		t.Fatalf("State() = %s, want loaded", h.State())
	}

	if !h.CanHandle(intent.New(intent.KindSearch, "firefox")) {
		t.Error("CanHandle(search) = false, want true")
	}
	if h.CanHandle(intent.New(intent.KindInstall, "firefox")) {
		t.Error("CanHandle(install) = true, want false")
	}

	res, err := h.Process(context.Background(), intent.New(intent.KindSearch, "firefox"), intent.NewSession())
	if err != nil {
		t.Fatalf("Process() = %v", err)
	}
	if res == nil || !res.Success || res.Output != "found: firefox" {
		t.Errorf("got %+v", res)
	}
}

func TestHostRegisterStyle(t *testing.T) {
	h, err := newHostFromLua(t, "reg-ext", `
		local nixsage = require("nixsage")
		nixsage.register({
			name = "reg-ext",
			can_handle = function(in_) return true end,
			process = function(in_, session)
				return { success = true, output = "registered" }
			end,
		})
	`)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	res, err := h.Process(context.Background(), intent.New(intent.KindQuery, "hi"), intent.NewSession())
	if err != nil {
		t.Fatalf("Process() = %v", err)
	}
	if res == nil || res.Output != "registered" {
		t.Errorf("got %+v", res)
	}
}

func TestHostBothStylesIsAmbiguous(t *testing.T) {
	_, err := newHostFromLua(t, "both-ext", `
		local nixsage = require("nixsage")
		nixsage.register({
			can_handle = function(in_) return true end,
			process = function(in_, session) return { success = true } end,
		})
		function can_handle(in_) return true end
		function process(in_, session) return { success = true } end
	`)
	if !errors.Is(err, ErrAmbiguousImplementation) {
		t.Errorf("Load() = %v, want ErrAmbiguousImplementation", err)
	}
}

func TestHostRegisterTwiceIsAmbiguous(t *testing.T) {
	_, err := newHostFromLua(t, "twice-ext", `
		local nixsage = require("nixsage")
		local impl = {
			can_handle = function(in_) return true end,
			process = function(in_, session) return { success = true } end,
		}
		nixsage.register(impl)
		nixsage.register(impl)
	`)
	if !errors.Is(err, ErrAmbiguousImplementation) {
		t.Errorf("Load() = %v, want ErrAmbiguousImplementation", err)
	}
}

func TestHostNoImplementation(t *testing.T) {
	_, err := newHostFromLua(t, "empty-ext", `local x = 1`)
	if !errors.Is(err, ErrNoImplementation) {
		t.Errorf("Load() = %v, want ErrNoImplementation", err)
	}
}

func TestHostIncompleteGlobals(t *testing.T) {
	// can_handle without process does not count as an implementation.
	_, err := newHostFromLua(t, "half-ext", `
		function can_handle(in_) return true end
	`)
	if !errors.Is(err, ErrNoImplementation) {
		t.Errorf("Load() = %v, want ErrNoImplementation", err)
	}
}

func TestHostIdentityMismatch(t *testing.T) {
	_, err := newHostFromLua(t, "real-name", `
		local nixsage = require("nixsage")
		nixsage.register({
			name = "claimed-name",
			can_handle = function(in_) return true end,
			process = function(in_, session) return { success = true } end,
		})
	`)
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("Load() = %v, want ErrIdentityMismatch", err)
	}
}

func TestHostDecline(t *testing.T) {
	h, err := newHostFromLua(t, "decline-ext", `
		function can_handle(in_) return true end
		function process(in_, session) return nil end
	`)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	res, err := h.Process(context.Background(), intent.New(intent.KindQuery, "hi"), intent.NewSession())
	if err != nil {
		t.Errorf("Process() err = %v, want nil", err)
	}
	if res != nil {
		t.Errorf("Process() = %+v, want nil (decline)", res)
	}
}

func TestHostSetup(t *testing.T) {
	h, err := newHostFromLua(t, "setup-ext", `
		local greeting = "default"
		function setup(config)
			greeting = config.greeting
		end
		function can_handle(in_) return true end
		function process(in_, session)
			return { success = true, output = greeting }
		end
	`, WithHostConfig(map[string]any{"greeting": "bonjour"}))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	res, err := h.Process(context.Background(), intent.New(intent.KindQuery, "hi"), intent.NewSession())
	if err != nil {
		t.Fatalf("Process() = %v", err)
	}
	if res.Output != "bonjour" {
		t.Errorf("Output = %q, want bonjour", res.Output)
	}
}

func TestHostSyntaxError(t *testing.T) {
	h, err := newHostFromLua(t, "bad-ext", `this is not lua`)
	if err == nil {
		t.Fatal("Load() should fail on a syntax error")
	}
	if h.State() != StateError {
		t.Errorf("State() = %s, want error", h.State())
	}
}

func TestHostDoubleLoad(t *testing.T) {
	h, err := newHostFromLua(t, "once-ext", `
		function can_handle(in_) return true end
		function process(in_, session) return { success = true } end
	`)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if err := h.Load(context.Background()); !errors.Is(err, ErrAlreadyLoaded) {
		t.Errorf("second Load() = %v, want ErrAlreadyLoaded", err)
	}
}

func TestHostProcessAfterClose(t *testing.T) {
	h, err := newHostFromLua(t, "closed-ext", `
		function can_handle(in_) return true end
		function process(in_, session) return { success = true } end
	`)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	if _, err := h.Process(context.Background(), intent.New(intent.KindQuery, "hi"), intent.NewSession()); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Process() after Close = %v, want ErrNotLoaded", err)
	}
	if h.CanHandle(intent.New(intent.KindQuery, "hi")) {
		t.Error("CanHandle after Close should be false")
	}
}
