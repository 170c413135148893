// Package watch observes extension search paths and reports which
// extension identities changed on disk. It only produces reload
// hints; nothing here triggers a reload by itself.
package watch

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher errors.
var (
	// ErrWatcherClosed is returned after Close.
	ErrWatcherClosed = errors.New("watcher is closed")
)

// Hint names an extension whose on-disk tree changed.
type Hint struct {
	Identity  string
	Path      string
	Timestamp time.Time
}

// Watcher maps filesystem events under the search paths back to
// extension identities. Events for one identity are debounced so an
// editor save burst yields a single hint.
type Watcher struct {
	mu sync.Mutex

	fsw   *fsnotify.Watcher
	roots []string

	hints  chan Hint
	logger *zap.Logger

	debounce time.Duration
	pending  map[string]*time.Timer

	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the per-identity quiet period.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New creates a watcher over the given search paths. Missing paths
// are skipped; they may appear later, in which case a restart of the
// watcher picks them up.
func New(roots []string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		hints:    make(chan Hint, 64),
		logger:   zap.NewNop(),
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		w.roots = append(w.roots, abs)
		if err := w.addRecursive(abs); err != nil {
			w.logger.Warn("watch path", zap.String("path", abs), zap.Error(err))
		}
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// addRecursive watches a directory tree. fsnotify reports file
// changes for watched directories, so only directories are added.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != root {
				return filepath.SkipDir
			}
			if werr := w.fsw.Add(p); werr != nil {
				w.logger.Warn("watch dir", zap.String("path", p), zap.Error(werr))
			}
		}
		return nil
	})
}

// Hints returns the hint channel. It closes when the watcher closes.
func (w *Watcher) Hints() <-chan Hint {
	return w.hints
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	identity, root := w.identityFor(ev.Name)
	if identity == "" {
		return
	}

	// New subdirectories join the watch so nested edits keep mapping.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.pending[identity]; ok {
		timer.Reset(w.debounce)
		return
	}
	path := filepath.Join(root, identity)
	w.pending[identity] = time.AfterFunc(w.debounce, func() {
		w.emit(identity, path)
	})
}

// identityFor maps an event path to the top-level extension entry
// under its search path: foo.lua and foo/... both map to "foo".
func (w *Watcher) identityFor(path string) (identity, root string) {
	for _, r := range w.roots {
		rel, err := filepath.Rel(r, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		first := strings.Split(filepath.ToSlash(rel), "/")[0]
		if strings.HasPrefix(first, ".") {
			return "", ""
		}
		return strings.TrimSuffix(first, ".lua"), r
	}
	return "", ""
}

// emit sends under the mutex: Close flips closed inside the same
// critical section and only closes the hint channel afterwards, so a
// debounce timer firing concurrently can never send on a closed
// channel. The send is non-blocking, so holding the lock is cheap.
func (w *Watcher) emit(identity, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.pending, identity)
	if w.closed {
		return
	}

	hint := Hint{Identity: identity, Path: path, Timestamp: time.Now()}
	select {
	case w.hints <- hint:
	default:
		w.logger.Warn("hint channel full, dropping",
			zap.String("identity", identity))
	}
}

// Close stops the watcher and closes the hint channel.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	close(w.closeCh)
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()
	close(w.hints)
	return err
}
