package watch

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind is the kind of change observed.
type EventKind int

const (
	Created EventKind = iota + 1
	Modified
	Deleted
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is a single change under one of the watched roots.
type Event struct {
	Path string
	Kind EventKind
	At   time.Time
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger used for runtime watch errors.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithExclude drops events for the given files and directories regardless
// of the ignore patterns. For a file, the temp files of an atomic rewrite
// (".name.*") and rotated backups ("stem-*.ext", "stem-*.ext.gz") next to it
// are excluded too, as is the creation of any directory leading to it.
func WithExclude(paths ...string) Option {
	return func(w *Watcher) {
		for _, p := range paths {
			if p == "" {
				continue
			}
			if abs, err := filepath.Abs(p); err == nil {
				w.exclude = append(w.exclude, abs)
			}
		}
	}
}

// Watcher recursively watches directory trees. It does not debounce.
type Watcher struct {
	roots   []string
	ignore  *Ignore
	fs      *fsnotify.Watcher
	events  chan Event
	logger  *slog.Logger
	exclude []string

	stop     chan struct{}
	loopDone chan struct{}
	once     sync.Once
	closeErr error
}

// New registers every non-ignored directory under roots and starts
// delivering events. Failures on a root are *WatchError; unreadable
// subdirectories are skipped and logged.
func New(roots, ignore []string, opts ...Option) (*Watcher, error) {
	ig, err := NewIgnore(ignore)
	if err != nil {
		return nil, &WatchError{Kind: SetupFailed, Path: strings.Join(ignore, ","), Err: err}
	}
	w := &Watcher{
		ignore:   ig,
		logger:   slog.Default(),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, classify(r, err)
		}
		w.roots = append(w.roots, abs)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, classify(strings.Join(w.roots, ","), err)
	}
	w.fs = fw
	for _, root := range w.roots {
		if err := w.addRoot(root); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	w.events = make(chan Event, 64)
	go w.loop()
	return w, nil
}

// Events is the change stream. It is closed after Stop.
func (w *Watcher) Events() <-chan Event { return w.events }

// Roots returns the absolute roots being watched.
func (w *Watcher) Roots() []string { return append([]string(nil), w.roots...) }

// Stop releases the fsnotify watcher. It is idempotent.
func (w *Watcher) Stop() error {
	w.once.Do(func() {
		close(w.stop)
		w.closeErr = w.fs.Close()
		<-w.loopDone
	})
	return w.closeErr
}

// Ignored reports whether an absolute path is excluded under its root.
func (w *Watcher) Ignored(path string) bool {
	rel, ok := w.rel(path)
	if !ok {
		return true
	}
	return w.excluded(path) || w.ignore.Match(rel)
}

func (w *Watcher) excluded(path string) bool {
	dir, base := filepath.Split(path)
	dir = filepath.Clean(dir)
	for _, ex := range w.exclude {
		if path == ex || strings.HasPrefix(path, ex+string(filepath.Separator)) {
			return true
		}
		if dir != filepath.Dir(ex) {
			continue
		}
		name := filepath.Base(ex)
		if strings.HasPrefix(base, "."+name+".") {
			return true
		}
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		if strings.HasPrefix(base, stem+"-") && (strings.HasSuffix(base, ext) || strings.HasSuffix(base, ext+".gz")) {
			return true
		}
	}
	return false
}

// leadsToExcluded reports whether dir is a parent of an excluded path.
func (w *Watcher) leadsToExcluded(dir string) bool {
	for _, ex := range w.exclude {
		if strings.HasPrefix(ex, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) addRoot(root string) error {
	fi, err := os.Stat(root)
	if err != nil {
		return classify(root, err)
	}
	if !fi.IsDir() {
		if err := w.fs.Add(root); err != nil {
			return classify(root, err)
		}
		return nil
	}
	// the root must be listable; deeper failures are tolerated
	if _, err := os.ReadDir(root); err != nil {
		return classify(root, err)
	}
	if err := w.fs.Add(root); err != nil {
		return classify(root, err)
	}
	w.addTree(root)
	return nil
}

// addTree registers the non-ignored subdirectories of dir.
func (w *Watcher) addTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("watch: skip unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() || path == dir {
			return nil
		}
		if w.Ignored(path) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			w.logger.Warn("watch: add directory failed", "dir", path, "error", err)
			return filepath.SkipDir
		}
		return nil
	})
	if err := w.fs.Add(dir); err != nil {
		w.logger.Debug("watch: add directory failed", "dir", dir, "error", err)
	}
}

// rel returns path relative to the most specific root containing it.
func (w *Watcher) rel(path string) (string, bool) {
	best := ""
	for _, r := range w.roots {
		if path == r || strings.HasPrefix(path, r+string(filepath.Separator)) {
			if len(r) > len(best) {
				best = r
			}
		}
	}
	if best == "" {
		return "", false
	}
	rel, err := filepath.Rel(best, path)
	if err != nil {
		return "", false
	}
	if rel == "." {
		// a file root is reported by its own name
		return filepath.Base(path), true
	}
	return rel, true
}

func (w *Watcher) loop() {
	defer close(w.loopDone)
	defer close(w.events)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			out, emit := w.translate(ev)
			if !emit {
				continue
			}
			select {
			case w.events <- out:
			case <-w.stop:
				return
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) translate(ev fsnotify.Event) (Event, bool) {
	if w.Ignored(ev.Name) {
		return Event{}, false
	}
	var kind EventKind
	switch {
	case ev.Has(fsnotify.Create):
		kind = Created
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			w.addTree(ev.Name)
			if w.leadsToExcluded(ev.Name) {
				return Event{}, false
			}
		}
	case ev.Has(fsnotify.Write):
		kind = Modified
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = Deleted
	default:
		// chmod only
		return Event{}, false
	}
	return Event{Path: ev.Name, Kind: kind, At: time.Now()}, true
}
