package registry

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch reloads a registry whenever its backing document changes on disk.
// targets maps a file or directory path to the reload to run. Parent
// directories are watched rather than the files themselves, since most
// editors and config mounts replace files instead of writing in place.
// Events are debounced so an editor's write burst triggers one reload.
func Watch(ctx context.Context, targets map[string]func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := map[string]bool{}
	byPath := map[string]func() error{}
	for path, reload := range targets {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		byPath[abs] = reload

		dir := abs
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			dir = filepath.Dir(abs)
		}
		if !dirs[dir] {
			if err := watcher.Add(dir); err != nil {
				watcher.Close()
				return err
			}
			dirs[dir] = true
		}
	}

	go func() {
		defer watcher.Close()

		const debounce = 200 * time.Millisecond
		pending := map[string]func() error{}
		var timer *time.Timer
		var fire <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				reload := matchTarget(byPath, ev.Name)
				if reload == nil {
					continue
				}
				pending[ev.Name] = reload
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C

			case <-fire:
				fire = nil
				for path, reload := range pending {
					if err := reload(); err != nil {
						log.Error().Err(err).Str("path", path).Msg("config reload failed, previous snapshot kept")
					} else {
						log.Info().Str("path", path).Msg("config reloaded")
					}
				}
				pending = map[string]func() error{}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	return nil
}

func matchTarget(byPath map[string]func() error, name string) func() error {
	abs, err := filepath.Abs(name)
	if err != nil {
		abs = name
	}
	if reload, ok := byPath[abs]; ok {
		return reload
	}
	// A change inside a watched directory target (the drop-in dir).
	if reload, ok := byPath[filepath.Dir(abs)]; ok {
		return reload
	}
	return nil
}
