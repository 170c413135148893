package extension

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nixsage/nixsage/internal/extension/security"
	"github.com/nixsage/nixsage/internal/intent"
)

func newLoaded(name string, priority int, ext Extension) *Loaded {
	return &Loaded{
		Descriptor: Descriptor{
			Identity: name,
			Source:   SourceBuiltin,
			Manifest: builtinManifest(name, priority),
		},
		Instance: ext,
		Priority: priority,
		Session:  security.NewSession(security.NewChecker(name)),
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()

	if err := r.Register(newLoaded("a", 50, &fakeExtension{name: "a"})); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if _, ok := r.Get("a"); !ok {
		t.Error("Get(a) should find the extension")
	}

	if err := r.Register(newLoaded("a", 50, &fakeExtension{name: "a"})); !errors.Is(err, ErrAlreadyLoaded) {
		t.Errorf("duplicate Register() = %v, want ErrAlreadyLoaded", err)
	}
}

func TestRegistryRoutingOrder(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()

	// Registered out of priority order; same-priority pair keeps
	// registration order.
	for _, reg := range []struct {
		name     string
		priority int
	}{
		{"low", 10},
		{"tie-first", 50},
		{"high", 90},
		{"tie-second", 50},
	} {
		if err := r.Register(newLoaded(reg.name, reg.priority, &fakeExtension{name: reg.name})); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	for _, l := range r.List() {
		got = append(got, l.Descriptor.Identity)
	}
	want := []string{"high", "tie-first", "tie-second", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("routing order = %v, want %v", got, want)
		}
	}
}

func TestDispatchFirstMatchWins(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()

	lowCalled := false
	high := &fakeExtension{name: "high"}
	low := &fakeExtension{name: "low", process: func(context.Context, intent.Intent, *intent.Session) (*intent.Result, error) {
		lowCalled = true
		return intent.Ok("low"), nil
	}}
	if err := r.Register(newLoaded("low", 10, low)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newLoaded("high", 90, high)); err != nil {
		t.Fatal(err)
	}

	res := r.Dispatch(context.Background(), intent.New(intent.KindQuery, "hi"), intent.NewSession())
	if res.Output != "high" {
		t.Errorf("Output = %q, want high", res.Output)
	}
	if lowCalled {
		t.Error("lower-priority extension should not run once a result is produced")
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()

	picky := &fakeExtension{name: "picky", handles: func(intent.Intent) bool { return false }}
	catchall := &fakeExtension{name: "catchall"}
	if err := r.Register(newLoaded("picky", 90, picky)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newLoaded("catchall", 10, catchall)); err != nil {
		t.Fatal(err)
	}

	res := r.Dispatch(context.Background(), intent.New(intent.KindQuery, "hi"), intent.NewSession())
	if res.Output != "catchall" {
		t.Errorf("Output = %q, want catchall", res.Output)
	}
}

func TestDispatchDeclineContinues(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()

	decliner := &fakeExtension{name: "decliner", process: func(context.Context, intent.Intent, *intent.Session) (*intent.Result, error) {
		return nil, nil
	}}
	next := &fakeExtension{name: "next"}
	if err := r.Register(newLoaded("decliner", 90, decliner)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newLoaded("next", 10, next)); err != nil {
		t.Fatal(err)
	}

	res := r.Dispatch(context.Background(), intent.New(intent.KindQuery, "hi"), intent.NewSession())
	if res.Output != "next" {
		t.Errorf("a decline should continue routing, got %q", res.Output)
	}
}

func TestDispatchErrorContinues(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()

	failing := &fakeExtension{name: "failing", process: func(context.Context, intent.Intent, *intent.Session) (*intent.Result, error) {
		return nil, errors.New("boom")
	}}
	next := &fakeExtension{name: "next"}
	if err := r.Register(newLoaded("failing", 90, failing)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newLoaded("next", 10, next)); err != nil {
		t.Fatal(err)
	}

	res := r.Dispatch(context.Background(), intent.New(intent.KindQuery, "hi"), intent.NewSession())
	if res.Output != "next" {
		t.Errorf("an error should continue routing, got %q", res.Output)
	}
}

func TestDispatchPanicContinues(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()

	panicking := &fakeExtension{name: "panicking", process: func(context.Context, intent.Intent, *intent.Session) (*intent.Result, error) {
		panic("bad extension")
	}}
	next := &fakeExtension{name: "next"}
	if err := r.Register(newLoaded("panicking", 90, panicking)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newLoaded("next", 10, next)); err != nil {
		t.Fatal(err)
	}

	res := r.Dispatch(context.Background(), intent.New(intent.KindQuery, "hi"), intent.NewSession())
	if res.Output != "next" {
		t.Errorf("a panic should continue routing, got %q", res.Output)
	}
}

func TestDispatchTimeoutContinues(t *testing.T) {
	r := NewRegistry(WithDispatchTimeout(50 * time.Millisecond))
	defer r.CloseAll()

	slow := &fakeExtension{name: "slow", process: func(ctx context.Context, _ intent.Intent, _ *intent.Session) (*intent.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	next := &fakeExtension{name: "next"}
	if err := r.Register(newLoaded("slow", 90, slow)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newLoaded("next", 10, next)); err != nil {
		t.Fatal(err)
	}

	res := r.Dispatch(context.Background(), intent.New(intent.KindQuery, "hi"), intent.NewSession())
	if res.Output != "next" {
		t.Errorf("a timeout should continue routing, got %q", res.Output)
	}
}

func TestDispatchFallback(t *testing.T) {
	r := NewRegistry(WithFallback("fb"))
	defer r.CloseAll()

	// The fallback never claims intents via CanHandle; it is consulted
	// directly once routing is exhausted.
	fb := &fakeExtension{
		name:    "fb",
		handles: func(intent.Intent) bool { return false },
		process: func(context.Context, intent.Intent, *intent.Session) (*intent.Result, error) {
			return intent.Ok("fallback answer"), nil
		},
	}
	if err := r.Register(newLoaded("fb", 10, fb)); err != nil {
		t.Fatal(err)
	}

	res := r.Dispatch(context.Background(), intent.New(intent.KindQuery, "hi"), intent.NewSession())
	if res.Output != "fallback answer" {
		t.Errorf("Output = %q, want fallback answer", res.Output)
	}
}

func TestDispatchUnhandled(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()

	res := r.Dispatch(context.Background(), intent.New(intent.KindQuery, "hi"), intent.NewSession())
	if res.Success {
		t.Error("unhandled dispatch should not succeed")
	}
	if res.Err == nil || res.Err.Code != ErrorCodeUnhandled {
		t.Errorf("Err = %+v, want code %s", res.Err, ErrorCodeUnhandled)
	}
	if len(res.Suggestions) == 0 {
		t.Error("unhandled result should carry suggestions")
	}
}

func TestRegistryUnregisterRevokesSession(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()

	l := newLoaded("gone", 50, &fakeExtension{name: "gone"})
	if err := r.Register(l); err != nil {
		t.Fatal(err)
	}

	if err := r.Unregister("gone"); err != nil {
		t.Fatalf("Unregister() = %v", err)
	}
	if l.Session.Active() {
		t.Error("session should be revoked on unregister")
	}
	if _, ok := r.Get("gone"); ok {
		t.Error("extension should be gone")
	}

	if err := r.Unregister("gone"); !errors.Is(err, ErrExtensionNotFound) {
		t.Errorf("second Unregister() = %v, want ErrExtensionNotFound", err)
	}
}

func TestRegistrySwap(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()

	old := newLoaded("ext", 50, &fakeExtension{name: "ext", process: func(context.Context, intent.Intent, *intent.Session) (*intent.Result, error) {
		return intent.Ok("old"), nil
	}})
	if err := r.Register(old); err != nil {
		t.Fatal(err)
	}

	err := r.Swap("ext", func() (*Loaded, error) {
		// The old instance must already be torn down when the
		// replacement is built.
		if old.Session.Active() {
			t.Error("old session should be revoked before the new build")
		}
		return newLoaded("ext", 50, &fakeExtension{name: "ext", process: func(context.Context, intent.Intent, *intent.Session) (*intent.Result, error) {
			return intent.Ok("new"), nil
		}}), nil
	})
	if err != nil {
		t.Fatalf("Swap() = %v", err)
	}

	res := r.Dispatch(context.Background(), intent.New(intent.KindQuery, "hi"), intent.NewSession())
	if res.Output != "new" {
		t.Errorf("Output = %q, want new", res.Output)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistrySwapBuildFailure(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()

	if err := r.Register(newLoaded("ext", 50, &fakeExtension{name: "ext"})); err != nil {
		t.Fatal(err)
	}

	buildErr := errors.New("no dice")
	if err := r.Swap("ext", func() (*Loaded, error) {
		return nil, buildErr
	}); !errors.Is(err, buildErr) {
		t.Fatalf("Swap() = %v, want build error", err)
	}

	// A failed build leaves the identity unregistered rather than
	// half-replaced.
	if _, ok := r.Get("ext"); ok {
		t.Error("failed swap should leave the identity unregistered")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()

	a := newLoaded("a", 50, &fakeExtension{name: "a"})
	b := newLoaded("b", 50, &fakeExtension{name: "b"})
	if err := r.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(b); err != nil {
		t.Fatal(err)
	}

	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll() = %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after CloseAll, want 0", r.Len())
	}
	if a.Session.Active() || b.Session.Active() {
		t.Error("CloseAll should revoke every session")
	}
}

func TestRegistryDispatchDuringSwapSeesCompleteSet(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()

	mk := func(version string) *Loaded {
		return newLoaded("alpha", 50, &fakeExtension{
			name: "alpha",
			process: func(context.Context, intent.Intent, *intent.Session) (*intent.Result, error) {
				return intent.Ok(version), nil
			},
		})
	}
	if err := r.Register(mk("v0")); err != nil {
		t.Fatal(err)
	}

	in := intent.New(intent.KindQuery, "hello")
	stop := make(chan struct{})
	bad := make(chan string, 64)
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res := r.Dispatch(context.Background(), in, nil)
				// A dispatch racing a swap must still land on a
				// complete set: either version answers, never the
				// unhandled fallback.
				if !res.Success {
					select {
					case bad <- res.Err.Code:
					default:
					}
				}
			}
		}()
	}

	for i := 1; i <= 50; i++ {
		version := "v" + strconv.Itoa(i)
		err := r.Swap("alpha", func() (*Loaded, error) {
			return mk(version), nil
		})
		if err != nil {
			t.Errorf("swap %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	select {
	case code := <-bad:
		t.Errorf("dispatch during swap produced failure %q", code)
	default:
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d after swaps, want 1", r.Len())
	}
}
