// Package bootstrap wires settings, the upload registry, the session store,
// and the folder watcher into the Wails desktop shell.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"meeting-uploader/internal/config"
	"meeting-uploader/internal/diagnostics"
	"meeting-uploader/internal/domain"
	"meeting-uploader/internal/session"
	"meeting-uploader/internal/transport"
	"meeting-uploader/internal/uploads"
	"meeting-uploader/internal/watch"

	wailsruntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

var recordingDialogFilter = []wailsruntime.FileFilter{
	{
		DisplayName: "Meeting recordings",
		Pattern:     "*.wav;*.mp3;*.m4a;*.aac;*.flac;*.ogg;*.opus;*.webm;*.mp4;*.mov;*.mkv",
	},
	{
		DisplayName: "All files",
		Pattern:     "*",
	},
}

// App wires configuration, uploads, persistence, and UI runtime callbacks.
type App struct {
	Store       config.Store
	Registry    *uploads.Registry
	Diagnostics domain.DiagnosticReport
	assets      fs.FS
	checker     *diagnostics.Checker
	sessionPath string

	mu          sync.Mutex
	settings    domain.Settings
	session     *session.Store
	events      *uploads.EventBus
	runtimeCtx  context.Context
	watchCancel context.CancelFunc
}

// New builds the application with persisted settings and startup diagnostics.
func New() (*App, error) {
	return NewWithAssets(nil)
}

// NewWithAssets builds the application and optionally configures embedded
// frontend assets.
func NewWithAssets(assets fs.FS) (*App, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve user home: %w", err)
	}
	dataDir := filepath.Join(homeDir, ".meeting-uploader")

	store := config.NewJSONStore(filepath.Join(dataDir, "settings.json"))
	settings, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	sessionPath := filepath.Join(dataDir, "session.db")
	sess, err := session.Open(sessionPath)
	if err != nil {
		// The app still uploads without persistence; diagnostics surface it.
		slog.Warn("session store unavailable, history and aliases disabled", "path", sessionPath, "error", err)
		sess = nil
	}

	app := &App{
		Store:       store,
		assets:      assets,
		sessionPath: sessionPath,
		settings:    settings,
		session:     sess,
		events:      uploads.NewEventBus(1000),
	}

	app.checker = diagnostics.NewChecker(sessionPath, verifySessionStore)
	app.Diagnostics = app.checker.Run(settings)

	tr := transport.NewHTTPTransport(settingsCredentials{app: app})
	adapter := sessionAdapter{app: app}
	app.Registry = uploads.NewRegistry(tr, adapter, adapter)
	app.Registry.Subscribe(app.publishUpload)

	app.startWatcher(settings)
	return app, nil
}

// Run starts the Wails desktop application and binds backend methods.
func (a *App) Run() error {
	assetOptions := &assetserver.Options{}
	if a.assets != nil {
		assetOptions.Assets = a.assets
	} else {
		assetOptions.Handler = http.FileServer(http.Dir("./frontend"))
	}

	return wails.Run(&options.App{
		Title:       "Meeting Uploader",
		Width:       1080,
		Height:      720,
		AssetServer: assetOptions,
		OnStartup:   a.Startup,
		OnShutdown:  a.Shutdown,
		Bind:        []interface{}{a},
	})
}

// Startup stores the Wails runtime context for push events.
func (a *App) Startup(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runtimeCtx = ctx
}

// Shutdown stops the watcher and retry loops and closes persistence.
func (a *App) Shutdown(context.Context) {
	a.stopWatcher()
	if a.Registry != nil {
		a.Registry.Close()
	}

	a.mu.Lock()
	sess := a.session
	a.session = nil
	a.runtimeCtx = nil
	a.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			slog.Error("close session store", "error", err)
		}
	}
}

// GetDiagnostics returns the latest cached diagnostics report.
func (a *App) GetDiagnostics() domain.DiagnosticReport {
	return a.Diagnostics
}

// GetSettings loads and returns the latest persisted settings.
func (a *App) GetSettings() (domain.Settings, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return domain.Settings{}, fmt.Errorf("load settings: %w", err)
	}

	a.mu.Lock()
	a.settings = settings
	a.mu.Unlock()

	return settings, nil
}

// SaveSettings normalizes and persists settings, refreshes diagnostics, and
// restarts the folder watcher so changes apply immediately.
func (a *App) SaveSettings(settings domain.Settings) (domain.Settings, error) {
	normalized := normalizeSettings(settings)
	if err := a.Store.Save(normalized); err != nil {
		return domain.Settings{}, fmt.Errorf("save settings: %w", err)
	}

	a.mu.Lock()
	a.settings = normalized
	if a.checker != nil {
		a.Diagnostics = a.checker.Run(normalized)
	}
	a.mu.Unlock()

	a.startWatcher(normalized)
	return normalized, nil
}

// RefreshDiagnostics reloads settings and reruns environment checks.
func (a *App) RefreshDiagnostics() (domain.DiagnosticReport, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return domain.DiagnosticReport{}, fmt.Errorf("load settings: %w", err)
	}

	a.mu.Lock()
	a.settings = settings
	a.Diagnostics = a.checker.Run(settings)
	report := a.Diagnostics
	a.mu.Unlock()
	return report, nil
}

// PickRecordingFile opens a native file dialog for recording selection.
func (a *App) PickRecordingFile() (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenFileDialog(ctx, wailsruntime.OpenDialogOptions{
		Title:   "Select meeting recording",
		Filters: recordingDialogFilter,
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(path), nil
}

// PickRecordingsDirectory opens a native directory picker for the watched
// recordings folder.
func (a *App) PickRecordingsDirectory() (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenDirectoryDialog(ctx, wailsruntime.OpenDialogOptions{
		Title: "Select recordings folder",
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(path), nil
}

// StartUpload registers a manually selected recording for upload.
func (a *App) StartUpload(path, title string) (domain.Upload, error) {
	return a.registerUpload(path, title, "", "", domain.UploadSourceManual, transport.AuthAuto)
}

// UploadToMeeting attaches a recording to an existing meeting. The service
// requires a credential to modify an existing resource, so auth is strict.
func (a *App) UploadToMeeting(path, meetingID string) (domain.Upload, error) {
	meetingID = strings.TrimSpace(meetingID)
	if meetingID == "" {
		return domain.Upload{}, fmt.Errorf("meeting id is required")
	}
	return a.registerUpload(path, "", meetingID, "", domain.UploadSourceManual, transport.AuthRequired)
}

// CancelUpload removes an upload from tracking.
func (a *App) CancelUpload(jobID string) error {
	return a.Registry.Cancel(jobID)
}

// RetryUpload restarts a failed upload with a fresh attempt budget.
func (a *App) RetryUpload(jobID string) error {
	return a.Registry.Retry(jobID)
}

// UploadStatus returns the computed snapshot of one upload.
func (a *App) UploadStatus(jobID string) (domain.Upload, error) {
	snapshot, ok := a.Registry.Status(jobID)
	if !ok {
		return domain.Upload{}, uploads.ErrUnknownUpload
	}
	return snapshot, nil
}

// ListUploads returns stored snapshots of all tracked uploads.
func (a *App) ListUploads() []domain.Upload {
	return a.Registry.List()
}

// UploadHistory returns persisted upload journal rows, newest first.
func (a *App) UploadHistory(limit int) ([]domain.HistoryEntry, error) {
	sess := a.sessionStore()
	if sess == nil {
		return nil, nil
	}
	return sess.History(context.Background(), limit)
}

// ResolveMeetingID returns the canonical service identifier for an upload.
func (a *App) ResolveMeetingID(jobID string) (string, error) {
	return a.Registry.Resolve(context.Background(), jobID)
}

// LookupUploadID returns the local upload id behind a service identifier.
func (a *App) LookupUploadID(serverID string) (string, error) {
	return a.Registry.ResolveReverse(context.Background(), serverID)
}

// UploadEvents returns all events with sequence greater than sinceSeq.
func (a *App) UploadEvents(sinceSeq int64) []uploads.Event {
	return a.events.Since(sinceSeq)
}

// registerUpload builds the registry request for one recording.
func (a *App) registerUpload(path, title, meetingID, fingerprint string, source domain.UploadSource, auth transport.AuthMode) (domain.Upload, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return domain.Upload{}, fmt.Errorf("recording path is required")
	}

	settings := a.currentSettings()
	fileName := filepath.Base(path)
	if title == "" {
		title = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	}

	var sizeBytes int64
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		sizeBytes = info.Size()
	}

	return a.Registry.Register(uploads.RegisterRequest{
		JobID:       "up_" + uuid.NewString(),
		FilePath:    path,
		FileName:    fileName,
		SizeBytes:   sizeBytes,
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Language:    settings.Language,
		Title:       title,
		TraceID:     uuid.NewString(),
		MeetingID:   meetingID,
		Source:      source,
		Fingerprint: fingerprint,
		Auth:        auth,
	})
}

// publishUpload mirrors registry mutations onto the event bus and the Wails
// push channel.
func (a *App) publishUpload(jobID string, snapshot domain.Upload) {
	published := a.events.Publish(uploads.EventFromSnapshot(jobID, snapshot))

	a.mu.Lock()
	ctx := a.runtimeCtx
	a.mu.Unlock()
	if ctx != nil {
		wailsruntime.EventsEmit(ctx, "upload:event", published)
	}
}

// startWatcher (re)starts the recordings folder watcher for the settings.
func (a *App) startWatcher(settings domain.Settings) {
	a.stopWatcher()
	if !settings.AutoUpload || strings.TrimSpace(settings.RecordingsDir) == "" {
		return
	}

	watcher, err := watch.New(watch.Options{
		Dir:     settings.RecordingsDir,
		Seen:    a.seenFingerprint,
		Enqueue: a.enqueueWatched,
	})
	if err != nil {
		slog.Error("configure recordings watcher", "dir", settings.RecordingsDir, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.watchCancel = cancel
	a.mu.Unlock()

	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("recordings watcher stopped", "error", err)
		}
	}()
}

// stopWatcher cancels a running folder watcher, if any.
func (a *App) stopWatcher() {
	a.mu.Lock()
	cancel := a.watchCancel
	a.watchCancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// enqueueWatched registers a settled recording discovered by the watcher.
func (a *App) enqueueWatched(path, fingerprint string) error {
	_, err := a.registerUpload(path, "", "", fingerprint, domain.UploadSourceWatcher, transport.AuthAuto)
	return err
}

// seenFingerprint checks the journal for a recording fingerprint.
func (a *App) seenFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	sess := a.sessionStore()
	if sess == nil {
		return false, nil
	}
	return sess.SeenFingerprint(ctx, fingerprint)
}

// currentSettings returns the in-memory settings snapshot.
func (a *App) currentSettings() domain.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// sessionStore returns the current session store, which may be nil when the
// database could not be opened.
func (a *App) sessionStore() *session.Store {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// runtimeContext returns the current Wails runtime context for dialog APIs.
func (a *App) runtimeContext() (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runtimeCtx == nil {
		return nil, fmt.Errorf("runtime context is not initialized")
	}
	return a.runtimeCtx, nil
}

// normalizeSettings trims user inputs and applies the default language.
func normalizeSettings(settings domain.Settings) domain.Settings {
	settings.Endpoint = strings.TrimSpace(settings.Endpoint)
	settings.APIToken = strings.TrimSpace(settings.APIToken)
	settings.Language = strings.TrimSpace(settings.Language)
	settings.RecordingsDir = strings.TrimSpace(settings.RecordingsDir)
	if settings.Language == "" {
		settings.Language = "auto"
	}
	return settings
}

// settingsCredentials feeds the transport the endpoint and token current at
// attempt time, so settings edits apply to the next attempt.
type settingsCredentials struct {
	app *App
}

// UploadURL returns the configured service endpoint.
func (c settingsCredentials) UploadURL() string {
	return c.app.currentSettings().Endpoint
}

// Token returns the configured bearer token.
func (c settingsCredentials) Token() string {
	return c.app.currentSettings().APIToken
}

// sessionAdapter routes registry persistence through the app's current
// session store, degrading to no-ops when the store is unavailable.
type sessionAdapter struct {
	app *App
}

// SaveAlias records a job to service identifier mapping.
func (s sessionAdapter) SaveAlias(ctx context.Context, jobID, serverID string) error {
	sess := s.app.sessionStore()
	if sess == nil {
		return nil
	}
	return sess.SaveAlias(ctx, jobID, serverID)
}

// Resolve returns the recorded service identifier, or "".
func (s sessionAdapter) Resolve(ctx context.Context, jobID string) (string, error) {
	sess := s.app.sessionStore()
	if sess == nil {
		return "", nil
	}
	return sess.Resolve(ctx, jobID)
}

// ResolveReverse returns the recorded local identifier, or "".
func (s sessionAdapter) ResolveReverse(ctx context.Context, serverID string) (string, error) {
	sess := s.app.sessionStore()
	if sess == nil {
		return "", nil
	}
	return sess.ResolveReverse(ctx, serverID)
}

// RecordUpload writes the initial journal row for an upload.
func (s sessionAdapter) RecordUpload(ctx context.Context, entry domain.HistoryEntry) error {
	sess := s.app.sessionStore()
	if sess == nil {
		return nil
	}
	return sess.RecordUpload(ctx, entry)
}

// SetUploadState mirrors an upload state change into the journal.
func (s sessionAdapter) SetUploadState(ctx context.Context, jobID string, state domain.UploadState, lastError, serverID string) error {
	sess := s.app.sessionStore()
	if sess == nil {
		return nil
	}
	return sess.SetUploadState(ctx, jobID, state, lastError, serverID)
}

// verifySessionStore opens and closes the session database to prove health.
func verifySessionStore(path string) error {
	store, err := session.Open(path)
	if err != nil {
		return err
	}
	return store.Close()
}
