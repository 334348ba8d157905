package index

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// WatchOptions tune the background rescan triggers.
type WatchOptions struct {
	// Poll re-scans on a fixed interval regardless of events. Zero
	// disables polling.
	Poll time.Duration
	// Debounce coalesces bursts of filesystem events into one rescan.
	Debounce time.Duration
	// RescanTimeout bounds each triggered rescan.
	RescanTimeout time.Duration
}

// Watcher keeps an Index current: filesystem events (debounced) and an
// optional poll interval both trigger single-flighted rescans.
type Watcher struct {
	ix   *Index
	fsw  *fsnotify.Watcher
	opts WatchOptions

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Watch starts watching the index's content root recursively.
func Watch(ix *Index, opts WatchOptions) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.RescanTimeout <= 0 {
		opts.RescanTimeout = 5 * time.Second
	}

	var fsw, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	var w = &Watcher{
		ix:   ix,
		fsw:  fsw,
		opts: opts,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	w.addDirs()
	go w.run()
	return w, nil
}

// addDirs registers the root and every non-hidden subdirectory. Called
// again after each rescan so newly created directories get watched.
func (w *Watcher) addDirs() {
	var abs, err = filepath.Abs(w.ix.root)
	if err != nil {
		return
	}
	_ = filepath.WalkDir(abs, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || !d.IsDir() {
			return nil
		}
		if p != abs && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			log.WithFields(log.Fields{"path": p, "error": err}).Warn("watch registration failed")
		}
		return nil
	})
}

func (w *Watcher) run() {
	defer close(w.done)

	var debounce = time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	var poll <-chan time.Time
	if w.opts.Poll > 0 {
		var ticker = time.NewTicker(w.opts.Poll)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if relevantEvent(ev) {
				debounce.Reset(w.opts.Debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithField("error", err).Warn("filesystem watcher error")
		case <-debounce.C:
			w.rescan()
		case <-poll:
			w.rescan()
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) rescan() {
	var ctx, cancel = context.WithTimeout(context.Background(), w.opts.RescanTimeout)
	defer cancel()
	if _, err := w.ix.Rescan(ctx); err != nil {
		log.WithField("error", err).Warn("background rescan failed")
		return
	}
	w.addDirs()
}

// relevantEvent filters noise: hidden paths and pure chmods never change
// indexed content. Everything else is worth a debounced rescan.
func relevantEvent(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	return !strings.HasPrefix(filepath.Base(ev.Name), ".")
}

// Close stops the watcher and waits for the run loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stop)
		err = w.fsw.Close()
		<-w.done
	})
	return err
}
