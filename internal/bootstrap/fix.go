package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"meeting-uploader/internal/domain"
	"meeting-uploader/internal/session"
)

// FixDiagnostic applies a local remediation for one failed diagnostic item
// and returns the refreshed report. Endpoint and credential problems need
// user input and are rejected here.
func (a *App) FixDiagnostic(itemID string) (domain.DiagnosticReport, error) {
	if a.Store == nil {
		return domain.DiagnosticReport{}, fmt.Errorf("settings store is not configured")
	}

	id := strings.TrimSpace(itemID)
	if id == "" {
		return domain.DiagnosticReport{}, fmt.Errorf("diagnostic item id is required")
	}

	settings, err := a.Store.Load()
	if err != nil {
		return domain.DiagnosticReport{}, fmt.Errorf("load settings: %w", err)
	}
	settings = normalizeSettings(settings)

	var fixErr error
	switch id {
	case "recordings_dir":
		fixErr = fixRecordingsDir(settings.RecordingsDir)
	case "session_store":
		fixErr = a.fixSessionStore()
	case "endpoint", "credential":
		return domain.DiagnosticReport{}, fmt.Errorf("%s must be configured in settings", id)
	default:
		return domain.DiagnosticReport{}, fmt.Errorf("unsupported diagnostic item id: %s", id)
	}

	report := a.refreshDiagnosticsFromSettings(settings)
	if fixErr != nil {
		return report, fixErr
	}
	return report, nil
}

// refreshDiagnosticsFromSettings reruns checks against the given settings.
func (a *App) refreshDiagnosticsFromSettings(settings domain.Settings) domain.DiagnosticReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings = settings
	if a.checker != nil {
		a.Diagnostics = a.checker.Run(settings)
	}
	return a.Diagnostics
}

// fixRecordingsDir creates the watched directory.
func fixRecordingsDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("recordings directory is not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create recordings directory: %w", err)
	}
	return nil
}

// fixSessionStore re-initializes the local session database. An unopenable
// file is moved aside rather than deleted; history is lost for the app but
// the bytes stay recoverable.
func (a *App) fixSessionStore() error {
	if a.sessionStore() != nil {
		return nil
	}

	if _, err := os.Stat(a.sessionPath); err == nil {
		backup := fmt.Sprintf("%s.bak-%d", a.sessionPath, time.Now().Unix())
		if err := os.Rename(a.sessionPath, backup); err != nil {
			return fmt.Errorf("move unreadable session store aside: %w", err)
		}
		slog.Warn("moved unreadable session store aside", "backup", backup)
	}

	store, err := session.Open(a.sessionPath)
	if err != nil {
		return fmt.Errorf("re-initialize session store: %w", err)
	}

	a.mu.Lock()
	a.session = store
	a.mu.Unlock()
	return nil
}
