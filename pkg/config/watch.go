package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow absorbs editors that write a config file in several
// successive fsnotify events (temp file + rename + write).
const debounceWindow = 250 * time.Millisecond

// Watcher watches a config file and reloads it on change.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string

	mu        sync.Mutex
	debounce  *time.Timer
	onChange  func(*Config)
	onError   func(error)
	stopped   chan struct{}
}

// Watch starts watching path for writes and calls onChange with the freshly
// loaded and validated configuration each time the file settles. onError, if
// non-nil, receives load/validate failures; the previous configuration keeps
// running in that case.
func Watch(path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		path:     path,
		onChange: onChange,
		onError:  onError,
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		case <-w.stopped:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceWindow, func() {
		cfg, err := LoadConfig(w.path)
		if err != nil {
			if w.onError != nil {
				w.onError(err)
			}
			return
		}
		w.onChange(cfg)
	})
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopped)
	return w.watcher.Close()
}
