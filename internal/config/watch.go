package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file whenever it is written and hands the
// validated result to a callback. Invalid edits are logged and ignored.
type Watcher struct {
	path    string
	fn      func(Config)
	watcher *fsnotify.Watcher
	closed  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// Watch starts watching path. The directory is watched rather than the file
// so that editors which save by rename are picked up.
func Watch(path string, fn func(Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	w := &Watcher{
		path:    filepath.Clean(path),
		fn:      fn,
		watcher: watcher,
		closed:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("CONFIG: reload of %s ignored: %v", w.path, err)
				continue
			}
			w.fn(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}

// Close stops the watcher and waits for the callback goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.closed)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
