// Package watch observes the recordings directory and enqueues finished
// recordings for upload. A file counts as finished once its size has been
// stable for a settle window; recorders write incrementally and renaming
// conventions differ, so size stability is the only portable signal.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultSettleWindow = 5 * time.Second
	defaultScanLimit    = 4
)

// recordingExts are the payload types the watcher considers recordings.
var recordingExts = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".aac": true,
	".flac": true, ".ogg": true, ".opus": true, ".webm": true,
	".mp4": true, ".mov": true, ".mkv": true,
}

// partialSuffixes mark files still being written by recorders or browsers.
var partialSuffixes = []string{".tmp", ".part", ".crdownload", ".download"}

// Options configures a recordings watcher.
type Options struct {
	Dir          string
	PollInterval time.Duration
	SettleWindow time.Duration
	ScanLimit    int
	Logger       *slog.Logger

	// Seen reports whether a fingerprint was already uploaded; used to skip
	// recordings handled in past sessions.
	Seen func(ctx context.Context, fingerprint string) (bool, error)

	// Enqueue hands a settled recording to the upload layer.
	Enqueue func(path, fingerprint string) error
}

// Watcher tracks in-progress files in the recordings directory until they
// settle, then fingerprints and enqueues them.
type Watcher struct {
	opts       Options
	candidates map[string]*candidate
}

// candidate is one file waiting to settle.
type candidate struct {
	size        int64
	stableSince time.Time
}

// New validates options and builds a watcher.
func New(opts Options) (*Watcher, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if opts.Enqueue == nil {
		return nil, fmt.Errorf("enqueue callback is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.SettleWindow <= 0 {
		opts.SettleWindow = defaultSettleWindow
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = defaultScanLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		opts:       opts,
		candidates: make(map[string]*candidate),
	}, nil
}

// Run watches the directory until the context is cancelled. The initial
// backlog of already settled recordings is scanned before live events.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.scanBacklog(ctx); err != nil {
		return fmt.Errorf("scan recordings backlog: %w", err)
	}

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer notifier.Close()

	if err := notifier.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.opts.Dir, err)
	}
	w.opts.Logger.Info("watching recordings directory", "path", w.opts.Dir)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			w.opts.Logger.Error("fs watcher error", "error", err)

		case <-ticker.C:
			w.sweep(ctx, time.Now())
		}
	}
}

// handleEvent records create and write activity for candidate recordings.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}
	if !isRecording(event.Name) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil || info.IsDir() {
		return
	}

	existing, ok := w.candidates[event.Name]
	if ok && existing.size == info.Size() {
		return
	}
	w.candidates[event.Name] = &candidate{size: info.Size(), stableSince: time.Now()}
}

// sweep promotes candidates whose size has been stable for the settle window.
func (w *Watcher) sweep(ctx context.Context, now time.Time) {
	for path, cand := range w.candidates {
		info, err := os.Stat(path)
		if err != nil {
			// Deleted or renamed away before settling.
			delete(w.candidates, path)
			continue
		}
		if info.Size() != cand.size {
			cand.size = info.Size()
			cand.stableSince = now
			continue
		}
		if now.Sub(cand.stableSince) < w.opts.SettleWindow {
			continue
		}

		delete(w.candidates, path)
		if err := w.promote(ctx, path); err != nil {
			w.opts.Logger.Error("enqueue settled recording", "path", path, "error", err)
		}
	}
}

// promote fingerprints a settled file and enqueues it unless already seen.
func (w *Watcher) promote(ctx context.Context, path string) error {
	fingerprint, err := Fingerprint(path)
	if err != nil {
		return err
	}

	if w.opts.Seen != nil {
		seen, err := w.opts.Seen(ctx, fingerprint)
		if err != nil {
			return fmt.Errorf("check fingerprint: %w", err)
		}
		if seen {
			w.opts.Logger.Info("skipping already uploaded recording", "path", path, "fingerprint", fingerprint)
			return nil
		}
	}

	w.opts.Logger.Info("enqueueing recording", "path", path, "fingerprint", fingerprint)
	return w.opts.Enqueue(path, fingerprint)
}

// scanBacklog enqueues recordings that settled while the app was not
// running. Fingerprinting is I/O heavy, so it runs concurrently with a cap.
func (w *Watcher) scanBacklog(ctx context.Context) error {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(w.opts.ScanLimit)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.opts.Dir, entry.Name())
		if !isRecording(path) {
			continue
		}

		group.Go(func() error {
			if err := w.promote(gctx, path); err != nil {
				w.opts.Logger.Error("enqueue backlog recording", "path", path, "error", err)
			}
			return nil
		})
	}

	return group.Wait()
}

// isRecording reports whether the path looks like a finished recording file.
func isRecording(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	lower := strings.ToLower(base)
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}
	return recordingExts[filepath.Ext(lower)]
}

// Fingerprint returns a stable content hash of the file, used to recognize
// recordings across sessions regardless of file name.
func Fingerprint(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open recording: %w", err)
	}
	defer file.Close()

	digest := xxhash.New()
	if _, err := io.Copy(digest, file); err != nil {
		return "", fmt.Errorf("hash recording: %w", err)
	}
	return fmt.Sprintf("%016x", digest.Sum64()), nil
}
