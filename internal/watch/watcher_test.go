package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// enqueueRecorder collects enqueued recordings.
type enqueueRecorder struct {
	mu    sync.Mutex
	paths []string
	fps   []string
}

// enqueue is the watcher callback.
func (r *enqueueRecorder) enqueue(path, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	r.fps = append(r.fps, fingerprint)
	return nil
}

// snapshot returns copies of the collected paths and fingerprints.
func (r *enqueueRecorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...), append([]string(nil), r.fps...)
}

// waitForEnqueues polls until the recorder holds want entries.
func waitForEnqueues(t *testing.T, r *enqueueRecorder, want int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		paths, _ := r.snapshot()
		if len(paths) >= want {
			return paths
		}
		time.Sleep(10 * time.Millisecond)
	}
	paths, _ := r.snapshot()
	t.Fatalf("enqueued = %v, want %d entries", paths, want)
	return nil
}

// TestIsRecording checks the candidate filter.
func TestIsRecording(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/rec/standup.wav", true},
		{"/rec/Standup.M4A", true},
		{"/rec/allhands.mkv", true},
		{"/rec/notes.txt", false},
		{"/rec/.hidden.wav", false},
		{"/rec/standup.wav.tmp", false},
		{"/rec/standup.wav.part", false},
		{"/rec/standup.wav.crdownload", false},
		{"/rec/archive.zip", false},
	}

	for _, tc := range cases {
		if got := isRecording(tc.path); got != tc.want {
			t.Fatalf("isRecording(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

// TestFingerprintStableAcrossNames checks content addressing.
func TestFingerprintStableAcrossNames(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.wav")
	b := filepath.Join(dir, "b.wav")
	if err := os.WriteFile(a, []byte("same content"), 0o644); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := os.WriteFile(b, []byte("same content"), 0o644); err != nil {
		t.Fatalf("write b: %v", err)
	}

	fpA, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("fingerprint a: %v", err)
	}
	fpB, err := Fingerprint(b)
	if err != nil {
		t.Fatalf("fingerprint b: %v", err)
	}
	if fpA != fpB {
		t.Fatalf("fingerprints differ for identical content: %s vs %s", fpA, fpB)
	}

	if err := os.WriteFile(b, []byte("other content"), 0o644); err != nil {
		t.Fatalf("rewrite b: %v", err)
	}
	fpB2, err := Fingerprint(b)
	if err != nil {
		t.Fatalf("fingerprint b2: %v", err)
	}
	if fpB2 == fpA {
		t.Fatal("fingerprint unchanged after content change")
	}
}

// TestRunScansBacklogOnStart checks that settled files already in the
// directory are enqueued without any fs event.
func TestRunScansBacklogOnStart(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "old.wav"), []byte("recorded earlier"), 0o644); err != nil {
		t.Fatalf("write backlog file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore"), 0o644); err != nil {
		t.Fatalf("write decoy: %v", err)
	}

	recorder := &enqueueRecorder{}
	w, err := New(Options{
		Dir:          dir,
		PollInterval: 10 * time.Millisecond,
		SettleWindow: 20 * time.Millisecond,
		Enqueue:      recorder.enqueue,
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	paths := waitForEnqueues(t, recorder, 1)
	if filepath.Base(paths[0]) != "old.wav" {
		t.Fatalf("enqueued = %v, want old.wav", paths)
	}

	cancel()
	<-done
}

// TestRunEnqueuesSettledFileOnce checks live detection: a growing file is
// left alone until its size stops changing, then enqueued exactly once.
func TestRunEnqueuesSettledFileOnce(t *testing.T) {
	dir := t.TempDir()
	recorder := &enqueueRecorder{}
	w, err := New(Options{
		Dir:          dir,
		PollInterval: 10 * time.Millisecond,
		SettleWindow: 30 * time.Millisecond,
		Enqueue:      recorder.enqueue,
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Give the watcher time to attach before writing.
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(dir, "standup.wav")
	if err := os.WriteFile(path, []byte("part one"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := file.WriteString(" part two"); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = file.Close()

	paths := waitForEnqueues(t, recorder, 1)
	if filepath.Base(paths[0]) != "standup.wav" {
		t.Fatalf("enqueued = %v, want standup.wav", paths)
	}

	// No duplicate enqueue after settling.
	time.Sleep(100 * time.Millisecond)
	paths, fps := recorder.snapshot()
	if len(paths) != 1 {
		t.Fatalf("enqueued %d times, want 1: %v", len(paths), paths)
	}

	want, err := Fingerprint(path)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fps[0] != want {
		t.Fatalf("fingerprint = %s, want %s", fps[0], want)
	}

	cancel()
	<-done
}

// TestRunSkipsSeenFingerprints checks journal-based dedup.
func TestRunSkipsSeenFingerprints(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "seen.wav"), []byte("already uploaded"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "new.wav"), []byte("never uploaded"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	seenFP, err := Fingerprint(filepath.Join(dir, "seen.wav"))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	recorder := &enqueueRecorder{}
	w, err := New(Options{
		Dir:          dir,
		PollInterval: 10 * time.Millisecond,
		SettleWindow: 20 * time.Millisecond,
		Seen: func(_ context.Context, fp string) (bool, error) {
			return fp == seenFP, nil
		},
		Enqueue: recorder.enqueue,
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	paths := waitForEnqueues(t, recorder, 1)
	time.Sleep(50 * time.Millisecond)
	paths, _ = recorder.snapshot()
	if len(paths) != 1 || filepath.Base(paths[0]) != "new.wav" {
		t.Fatalf("enqueued = %v, want only new.wav", paths)
	}

	cancel()
	<-done
}

// TestNewRejectsBadOptions checks option validation.
func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := New(Options{Dir: "", Enqueue: func(string, string) error { return nil }}); err == nil {
		t.Fatal("expected error for empty dir")
	}
	if _, err := New(Options{Dir: t.TempDir()}); err == nil {
		t.Fatal("expected error for missing enqueue callback")
	}
}
