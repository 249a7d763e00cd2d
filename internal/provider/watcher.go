package provider

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// VaultWatcher watches the vault tree and emits a single debounced signal
// per burst of filesystem activity. Consumers drain Changes and run the
// notes pipeline.
type VaultWatcher struct {
	root     string
	debounce time.Duration
	logger   *slog.Logger
	changes  chan struct{}
}

func NewVaultWatcher(root string, debounce time.Duration, logger *slog.Logger) *VaultWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &VaultWatcher{
		root:     root,
		debounce: debounce,
		logger:   logger,
		changes:  make(chan struct{}, 1),
	}
}

func (w *VaultWatcher) Changes() <-chan struct{} {
	return w.changes
}

func (w *VaultWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the whole tree; fsnotify is not recursive on its own.
	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != w.root {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
	if err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.changes)
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if ev.Op&fsnotify.Create != 0 {
					// New directories need their own watch.
					_ = fsw.Add(ev.Name)
				}
				if !strings.EqualFold(filepath.Ext(ev.Name), ".md") && ev.Op&fsnotify.Create == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(w.debounce)
					fire = timer.C
				} else {
					timer.Reset(w.debounce)
				}
				w.logger.Debug("vault file changed", "path", ev.Name, "op", ev.Op.String())
			case <-fire:
				timer = nil
				fire = nil
				select {
				case w.changes <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("vault watcher error", "error", err)
			}
		}
	}()
	return nil
}
