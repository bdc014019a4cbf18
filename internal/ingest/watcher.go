package ingest

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/hiedb/internal/storage"
)

// settleDelay is how long a file must be quiet before it is processed.
// Editors and copy tools write in several chunks.
const settleDelay = 250 * time.Millisecond

// Watch starts an fsnotify watcher on the inbox root and processes
// submission files as they settle, until ctx is cancelled. New directories
// are added to the watch list and their files queued. The archive
// directories are never watched.
func (in *Ingester) Watch(ctx context.Context, root string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	in.logger.Info("watcher: started", slog.String("root", root))

	pending := make(map[string]struct{})
	var settleTimer *time.Timer
	var settleCh <-chan time.Time

	schedule := func(rel string) {
		pending[rel] = struct{}{}
		if settleTimer == nil {
			settleTimer = time.NewTimer(settleDelay)
			settleCh = settleTimer.C
		} else {
			settleTimer.Reset(settleDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if settleTimer != nil {
				settleTimer.Stop()
			}
			in.logger.Info("watcher: stopped")
			return nil

		case <-settleCh:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			slices.Sort(paths)
			for _, p := range paths {
				if _, err := in.Process(ctx, p); err != nil {
					in.logger.Warn("watcher: process failed", slog.String("path", p), slog.String("error", err.Error()))
				}
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			rel, relErr := filepath.Rel(root, ev.Name)
			if relErr != nil || archived(rel) {
				continue
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						in.logger.Warn("watcher: add new dir failed",
							slog.String("path", rel),
							slog.String("error", addErr.Error()))
					} else {
						in.logger.Debug("watcher: watching new dir", slog.String("path", rel))
					}
					queueDir(root, ev.Name, schedule)
					continue
				}
			}

			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !submission(rel) {
				continue
			}
			schedule(rel)

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// archived reports whether rel lies under processed/ or failed/.
func archived(rel string) bool {
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first == storage.ProcessedDir || first == storage.FailedDir
}

func submission(rel string) bool {
	return storage.Submission(rel) && !strings.HasPrefix(filepath.Base(rel), ".")
}

// queueDir schedules every submission already inside a newly created directory.
func queueDir(root, dir string, schedule func(string)) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr == nil && submission(rel) {
			schedule(rel)
		}
		return nil
	})
}

// addDirsRecursive adds root and its subdirectories, except the archive
// directories, to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && (d.Name() == storage.ProcessedDir || d.Name() == storage.FailedDir) {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}
