package scanner

import (
	"context"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher rescans a directory tree after files matching the scan pattern
// change. Bursts of events are coalesced into one rescan.
type Watcher struct {
	root     string
	pattern  *regexp.Regexp
	hash     bool
	debounce time.Duration
	onScan   func(*Result)
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher watches every non-hidden directory under root. onScan receives
// each fresh Result.
func NewWatcher(root string, pattern *regexp.Regexp, shouldHash bool, onScan func(*Result), logger *zap.Logger) (*Watcher, error) {
	if pattern == nil {
		pattern = DefaultPattern
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     root,
		pattern:  pattern,
		hash:     shouldHash,
		debounce: 500 * time.Millisecond,
		onScan:   onScan,
		logger:   logger.Named("scanner"),
		watcher:  fw,
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
	if err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Run serves events until ctx is done. It closes the underlying watcher on
// return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				// New directories need their own watch.
				_ = w.watcher.Add(event.Name)
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.pattern.MatchString(event.Name) {
				continue
			}
			w.logger.Debug("Source change", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", zap.Error(err))

		case <-fire:
			timer, fire = nil, nil
			res, err := Scan(w.hash, w.root, w.pattern)
			if err != nil {
				w.logger.Warn("Rescan failed", zap.Error(err))
				continue
			}
			w.logger.Info("Sources rescanned", zap.Int("files", len(res.Files)))
			w.onScan(res)
		}
	}
}
