package tieredlib

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const DefaultDebounce = 500 * time.Millisecond

// Watcher triggers rebuilds when a plan's copy sources change.
type Watcher struct {
	Debounce time.Duration

	fsw   *fsnotify.Watcher
	ig    *Ignore
	trees []AbsPath
	files map[AbsPath]bool
}

func NewWatcher(plan Plan) (*Watcher, error) {
	ig, err := LoadIgnore(plan.Root)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("error creating file watcher: %w", err)
	}
	w := &Watcher{
		Debounce: DefaultDebounce,
		fsw:      fsw,
		ig:       ig,
		files:    map[AbsPath]bool{},
	}
	parents := map[AbsPath]bool{}
	for _, source := range plan.SourceRoots() {
		p := source.Path
		if source.Tree {
			w.trees = append(w.trees, p)
			if err := w.addTree(p); err != nil {
				fsw.Close()
				return nil, err
			}
			continue
		}
		// Editors replace files, so single files are watched through their directory
		w.files[p] = true
		if !parents[p.Parent()] {
			parents[p.Parent()] = true
			if err := fsw.Add(p.Parent().Raw()); err != nil {
				fsw.Close()
				return nil, fmt.Errorf("error watching %s: %w", p.Parent(), err)
			}
		}
	}
	return w, nil
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) addTree(root AbsPath) error {
	return filepath.WalkDir(root.Raw(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("error walking %s: %w", p, err)
		}
		if !d.IsDir() {
			return nil
		}
		if p != root.Raw() && w.ig.Ignored(AbsPath(p), true) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("error watching %s: %w", p, err)
		}
		Logger.WithField("path", p).Debug("Watching directory")
		return nil
	})
}

// relevant reports whether a change at p can change a copy layer.
func (w *Watcher) relevant(p AbsPath) bool {
	if w.files[p] {
		return true
	}
	for _, tree := range w.trees {
		if p == tree || strings.HasPrefix(p.Raw(), tree.Raw()+string(filepath.Separator)) {
			stat, err := os.Stat(p.Raw())
			return !w.ig.Ignored(p, err == nil && stat.IsDir())
		}
	}
	return false
}

// Run calls rebuild after each settled burst of relevant changes, until ctx is done.
// Builds never overlap; changes during a build cause one more build afterwards.
func (w *Watcher) Run(ctx context.Context, rebuild func(ctx context.Context) error) error {
	timer := time.NewTimer(w.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			p := AbsPath(filepath.Clean(event.Name))
			if !w.relevant(p) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if stat, err := os.Stat(p.Raw()); err == nil && stat.IsDir() {
					if err := w.addTree(p); err != nil {
						Logger.WithError(err).Warn("Failed to watch new directory")
					}
				}
			}
			Logger.WithFields(logrus.Fields{"path": p.Raw(), "op": event.Op.String()}).Debug("Change detected")
			timer.Reset(w.Debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			Logger.WithError(err).Warn("Watcher error")
		case <-timer.C:
			Logger.Info("Sources changed, rebuilding")
			if err := rebuild(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				Logger.WithError(err).Error("Rebuild failed")
			}
		}
	}
}
