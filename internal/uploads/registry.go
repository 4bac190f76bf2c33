// Package uploads tracks background recording uploads: a keyed registry of
// live transfers, synchronous change notifications for the UI, and a bounded
// retry loop per upload on top of the transport layer.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"meeting-uploader/internal/domain"
	"meeting-uploader/internal/transport"
)

// ErrDuplicateUpload is returned when registering an already tracked job id.
var ErrDuplicateUpload = errors.New("upload already registered")

// ErrUnknownUpload is returned when the job id is not in the registry.
var ErrUnknownUpload = errors.New("unknown upload")

// ErrNotRetryable is returned when retry is requested for a non-failed upload.
var ErrNotRetryable = errors.New("upload is not in a failed state")

const (
	// defaultMaxAttempts caps automatic transfer attempts per retry cycle.
	defaultMaxAttempts = 3

	// defaultStallAfter is how long progress may sit still before Status
	// reports a transferring upload as stalled.
	defaultStallAfter = 120 * time.Second
)

// AliasStore persists job id to service id mappings across restarts.
type AliasStore interface {
	SaveAlias(ctx context.Context, jobID, serverID string) error
	Resolve(ctx context.Context, jobID string) (string, error)
	ResolveReverse(ctx context.Context, serverID string) (string, error)
}

// Journal records upload outcomes for history views. Implementations may be
// nil-safe no-ops in tests; the registry treats journal failures as log-only.
type Journal interface {
	RecordUpload(ctx context.Context, entry domain.HistoryEntry) error
	SetUploadState(ctx context.Context, jobID string, state domain.UploadState, lastError, serverID string) error
}

// Subscriber receives a snapshot after every mutation of an upload. Callbacks
// for different uploads arrive in no particular order; discriminate by job id.
type Subscriber func(jobID string, snapshot domain.Upload)

// RegisterRequest describes one recording handed to the registry.
type RegisterRequest struct {
	JobID       string
	FilePath    string
	FileName    string
	SizeBytes   int64
	ContentType string
	Language    string
	Title       string
	TraceID     string
	MeetingID   string
	Source      domain.UploadSource
	Fingerprint string
	Auth        transport.AuthMode
}

// Registry owns all live uploads and drives each through the transport with
// retry and backoff. All mutation goes through the mutex; the Wails shell is
// multi-threaded, so the single-writer assumption a browser would give us
// does not hold here.
type Registry struct {
	transport transport.Transport
	aliases   AliasStore
	journal   Journal
	logger    *slog.Logger

	maxAttempts int
	stallAfter  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*trackedUpload
	subs    map[int64]Subscriber
	nextSub int64
}

// trackedUpload pairs the visible snapshot with per-job transfer policy that
// the UI never sees but retries must keep.
type trackedUpload struct {
	domain.Upload
	auth transport.AuthMode
}

// NewRegistry builds a registry with production timing policy.
func NewRegistry(tr transport.Transport, aliases AliasStore, journal Journal) *Registry {
	return newRegistry(tr, aliases, journal, defaultMaxAttempts, defaultStallAfter, sleepCtx, time.Now)
}

// NewRegistryForTests builds a registry with injectable attempt ceiling,
// stall horizon, sleep, and clock.
func NewRegistryForTests(
	tr transport.Transport,
	aliases AliasStore,
	journal Journal,
	maxAttempts int,
	stallAfter time.Duration,
	sleep func(ctx context.Context, d time.Duration) error,
	now func() time.Time,
) *Registry {
	return newRegistry(tr, aliases, journal, maxAttempts, stallAfter, sleep, now)
}

func newRegistry(
	tr transport.Transport,
	aliases AliasStore,
	journal Journal,
	maxAttempts int,
	stallAfter time.Duration,
	sleep func(ctx context.Context, d time.Duration) error,
	now func() time.Time,
) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		transport:   tr,
		aliases:     aliases,
		journal:     journal,
		logger:      slog.Default(),
		maxAttempts: maxAttempts,
		stallAfter:  stallAfter,
		sleep:       sleep,
		now:         now,
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(map[string]*trackedUpload),
		subs:        make(map[int64]Subscriber),
	}
}

// Close stops all retry loops. Entries remain readable afterwards.
func (r *Registry) Close() {
	r.cancel()
}

// Register inserts a new upload in pending state and starts its transfer
// loop. Only bookkeeping is validated here; payload problems surface through
// the upload's own state, never as a Register error.
func (r *Registry) Register(req RegisterRequest) (domain.Upload, error) {
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		return domain.Upload{}, fmt.Errorf("job id is required")
	}
	if strings.TrimSpace(req.FilePath) == "" {
		return domain.Upload{}, fmt.Errorf("recording path is required")
	}

	now := r.now()
	job := &trackedUpload{
		Upload: domain.Upload{
			ID:             jobID,
			FilePath:       req.FilePath,
			FileName:       req.FileName,
			SizeBytes:      req.SizeBytes,
			ContentType:    req.ContentType,
			Language:       req.Language,
			Title:          req.Title,
			TraceID:        req.TraceID,
			MeetingID:      req.MeetingID,
			Source:         req.Source,
			Fingerprint:    req.Fingerprint,
			State:          domain.UploadStatePending,
			EnqueuedAt:     now,
			LastProgressAt: now,
		},
		auth: req.Auth,
	}

	r.mu.Lock()
	if _, exists := r.jobs[jobID]; exists {
		r.mu.Unlock()
		return domain.Upload{}, ErrDuplicateUpload
	}
	r.jobs[jobID] = job
	snapshot := job.Upload
	r.mu.Unlock()

	r.recordJournalEntry(snapshot)
	r.notify(jobID, snapshot)

	go r.runLoop(jobID)
	return snapshot, nil
}

// Subscribe registers a mutation callback and returns its disposer.
func (r *Registry) Subscribe(fn Subscriber) func() {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Status returns a computed snapshot of one upload. A transfer whose progress
// timestamp is older than the stall horizon is reported as failed without
// touching the stored entry, so every concurrent caller reaches the same
// verdict from the same wall clock.
func (r *Registry) Status(jobID string) (domain.Upload, bool) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return domain.Upload{}, false
	}
	snapshot := job.Upload
	r.mu.Unlock()

	if snapshot.State == domain.UploadStateTransferring &&
		snapshot.ProgressPercent < 100 &&
		r.now().Sub(snapshot.LastProgressAt) > r.stallAfter {
		snapshot.State = domain.UploadStateFailed
		snapshot.LastError = fmt.Sprintf("transfer stalled: no progress for more than %s", r.stallAfter)
	}
	return snapshot, true
}

// List returns stored snapshots of all uploads without the stall override.
// Dashboards use this; correctness decisions go through Status.
func (r *Registry) List() []domain.Upload {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Upload, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job.Upload)
	}
	return out
}

// Cancel removes an upload from the registry. A transfer already handed to
// the transport keeps running, but every later callback re-checks membership
// and drops its result, so a cancelled upload can never be resurrected.
func (r *Registry) Cancel(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; !ok {
		return ErrUnknownUpload
	}
	delete(r.jobs, jobID)
	return nil
}

// Retry restarts a failed upload with a fresh attempt budget. A manual retry
// is a new problem, not a continuation of the exhausted one.
func (r *Registry) Retry(jobID string) error {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownUpload
	}
	if job.State != domain.UploadStateFailed {
		r.mu.Unlock()
		return ErrNotRetryable
	}

	job.State = domain.UploadStatePending
	job.AttemptCount = 0
	job.ProgressPercent = 0
	job.LastError = ""
	job.LastProgressAt = r.now()
	snapshot := job.Upload
	r.mu.Unlock()

	r.setJournalState(snapshot)
	r.notify(jobID, snapshot)

	go r.runLoop(jobID)
	return nil
}

// Resolve returns the canonical service identifier for an upload: the
// recorded alias when the service minted its own id, the job id otherwise.
func (r *Registry) Resolve(ctx context.Context, jobID string) (string, error) {
	if r.aliases == nil {
		return jobID, nil
	}
	serverID, err := r.aliases.Resolve(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("resolve alias for %s: %w", jobID, err)
	}
	if serverID == "" {
		return jobID, nil
	}
	return serverID, nil
}

// ResolveReverse returns the local job id behind a service identifier, or ""
// when the identifier is unknown.
func (r *Registry) ResolveReverse(ctx context.Context, serverID string) (string, error) {
	if r.aliases == nil {
		return "", nil
	}
	jobID, err := r.aliases.ResolveReverse(ctx, serverID)
	if err != nil {
		return "", fmt.Errorf("reverse alias for %s: %w", serverID, err)
	}
	return jobID, nil
}

// runLoop drives one upload through transfer attempts until a terminal state.
// The ceiling is a plain loop bound, never recursion.
func (r *Registry) runLoop(jobID string) {
	for {
		req, ok := r.beginAttempt(jobID)
		if !ok {
			return
		}

		receipt, err := r.attempt(jobID, req)
		if err == nil {
			r.complete(jobID, receipt)
			return
		}
		if transport.ClassOf(err) == transport.ClassValidation {
			// Bad input stays bad; retrying would only repeat the verdict.
			r.fail(jobID, err)
			return
		}

		attempts, ok := r.noteAttemptFailure(jobID, err)
		if !ok {
			return
		}
		if attempts >= r.maxAttempts {
			return
		}

		delay := time.Duration(1<<attempts) * time.Second
		if err := r.sleep(r.ctx, delay); err != nil {
			return
		}
	}
}

// beginAttempt moves an upload into transferring state and builds its
// transport request. It reports false when the upload was cancelled or the
// registry is shutting down.
func (r *Registry) beginAttempt(jobID string) (transport.Request, bool) {
	if r.ctx.Err() != nil {
		return transport.Request{}, false
	}

	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok || job.State != domain.UploadStatePending {
		r.mu.Unlock()
		return transport.Request{}, false
	}

	now := r.now()
	job.State = domain.UploadStateTransferring
	job.ProgressPercent = 0
	job.StartedAt = now
	job.LastProgressAt = now
	job.LastError = ""
	snapshot := job.Upload
	auth := job.auth
	r.mu.Unlock()

	r.notify(jobID, snapshot)

	return transport.Request{
		JobID:       snapshot.ID,
		FilePath:    snapshot.FilePath,
		FileName:    snapshot.FileName,
		SizeBytes:   snapshot.SizeBytes,
		ContentType: snapshot.ContentType,
		Language:    snapshot.Language,
		Title:       snapshot.Title,
		TraceID:     snapshot.TraceID,
		MeetingID:   snapshot.MeetingID,
		Auth:        auth,
	}, true
}

// attempt consumes one transport stream, applying progress milestones as they
// arrive and returning the terminal outcome.
func (r *Registry) attempt(jobID string, req transport.Request) (*transport.Receipt, error) {
	for event := range r.transport.Send(r.ctx, req) {
		if event.Done {
			if event.Err != nil {
				return nil, event.Err
			}
			return event.Receipt, nil
		}
		r.applyProgress(jobID, event.Percent)
	}
	return nil, &transport.Error{
		Class:   transport.ClassProtocol,
		Message: "transfer stream ended without a terminal event",
	}
}

// applyProgress records a milestone for an upload still transferring.
// Percentages never regress within an attempt.
func (r *Registry) applyProgress(jobID string, percent int) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok || job.State != domain.UploadStateTransferring {
		r.mu.Unlock()
		return
	}
	if percent > job.ProgressPercent {
		job.ProgressPercent = percent
	}
	job.LastProgressAt = r.now()
	snapshot := job.Upload
	r.mu.Unlock()

	r.notify(jobID, snapshot)
}

// complete applies a successful transfer outcome and records the service
// identifier alias when the service minted its own id.
func (r *Registry) complete(jobID string, receipt *transport.Receipt) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		// Cancelled while the response was in flight; drop the result.
		r.mu.Unlock()
		return
	}
	job.State = domain.UploadStateComplete
	job.ProgressPercent = 100
	job.LastProgressAt = r.now()
	if receipt != nil {
		job.ServerID = receipt.ID
	}
	snapshot := job.Upload
	r.mu.Unlock()

	if receipt != nil && receipt.ID != jobID && r.aliases != nil {
		if err := r.aliases.SaveAlias(r.ctx, jobID, receipt.ID); err != nil {
			r.logger.Error("record server id alias", "jobId", jobID, "serverId", receipt.ID, "error", err)
		}
	}

	r.setJournalState(snapshot)
	r.notify(jobID, snapshot)
}

// fail moves an upload to its terminal failed state.
func (r *Registry) fail(jobID string, cause error) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return
	}
	job.State = domain.UploadStateFailed
	job.LastError = cause.Error()
	snapshot := job.Upload
	r.mu.Unlock()

	r.setJournalState(snapshot)
	r.notify(jobID, snapshot)
}

// noteAttemptFailure counts one failed attempt and decides the next state:
// pending for another automatic attempt, failed once the budget is spent.
// It reports false when the upload was cancelled mid-attempt.
func (r *Registry) noteAttemptFailure(jobID string, cause error) (int, bool) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return 0, false
	}

	job.AttemptCount++
	job.LastError = cause.Error()
	attempts := job.AttemptCount
	if attempts >= r.maxAttempts {
		job.State = domain.UploadStateFailed
	} else {
		job.State = domain.UploadStatePending
	}
	snapshot := job.Upload
	r.mu.Unlock()

	if snapshot.State == domain.UploadStateFailed {
		r.setJournalState(snapshot)
	}
	r.notify(jobID, snapshot)
	return attempts, true
}

// notify invokes every subscriber with the snapshot, outside the registry
// lock so callbacks may call back into the registry.
func (r *Registry) notify(jobID string, snapshot domain.Upload) {
	r.mu.Lock()
	subs := make([]Subscriber, 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(jobID, snapshot)
	}
}

// recordJournalEntry writes the initial history row for a registration.
func (r *Registry) recordJournalEntry(snapshot domain.Upload) {
	if r.journal == nil {
		return
	}
	err := r.journal.RecordUpload(r.ctx, domain.HistoryEntry{
		JobID:       snapshot.ID,
		FileName:    snapshot.FileName,
		SizeBytes:   snapshot.SizeBytes,
		Fingerprint: snapshot.Fingerprint,
		Source:      snapshot.Source,
		State:       snapshot.State,
	})
	if err != nil {
		r.logger.Error("record upload journal entry", "jobId", snapshot.ID, "error", err)
	}
}

// setJournalState mirrors a state change into the history journal.
func (r *Registry) setJournalState(snapshot domain.Upload) {
	if r.journal == nil {
		return
	}
	err := r.journal.SetUploadState(r.ctx, snapshot.ID, snapshot.State, snapshot.LastError, snapshot.ServerID)
	if err != nil {
		r.logger.Error("update upload journal state", "jobId", snapshot.ID, "error", err)
	}
}

// sleepCtx waits for the duration or for context cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
