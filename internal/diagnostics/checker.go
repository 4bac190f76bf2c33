// Package diagnostics runs startup environment checks: service endpoint,
// credential presence, recordings directory, and the local session store.
package diagnostics

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"meeting-uploader/internal/domain"
)

// probeTimeout bounds the endpoint reachability check.
const probeTimeout = 5 * time.Second

// Checker validates service connectivity and required filesystem paths.
type Checker struct {
	sessionPath string

	probe       func(endpoint string) error
	mkdirAll    func(string, os.FileMode) error
	createTemp  func(string, string) (*os.File, error)
	remove      func(string) error
	openSession func(path string) error
}

// NewChecker builds a checker using real OS and network dependencies. The
// session opener is injected by the caller because diagnostics must not
// depend on the store package that depends on it at startup.
func NewChecker(sessionPath string, openSession func(path string) error) *Checker {
	return &Checker{
		sessionPath: sessionPath,
		probe:       probeEndpoint,
		mkdirAll:    os.MkdirAll,
		createTemp:  os.CreateTemp,
		remove:      os.Remove,
		openSession: openSession,
	}
}

// Run executes all startup checks and returns a combined report.
func (c *Checker) Run(settings domain.Settings) domain.DiagnosticReport {
	items := []domain.DiagnosticItem{
		c.checkEndpoint(settings.Endpoint),
		c.checkCredential(settings.APIToken),
		c.checkRecordingsDir(settings.RecordingsDir),
		c.checkSessionStore(),
	}

	hasFailures := false
	for _, item := range items {
		if item.Status == domain.DiagnosticStatusFail {
			hasFailures = true
			break
		}
	}

	return domain.DiagnosticReport{
		GeneratedAt: time.Now().UTC(),
		HasFailures: hasFailures,
		Items:       items,
	}
}

// checkEndpoint validates the configured upload URL and probes reachability.
func (c *Checker) checkEndpoint(endpoint string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "endpoint",
		Name: "Upload endpoint",
	}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Upload endpoint is not configured."
		item.Hint = "Set the transcription service URL in settings."
		return item
	}

	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Upload endpoint is not a valid URL: %s", endpoint)
		item.Hint = "Use a full URL including scheme, e.g. https://api.example.com/v1/upload."
		return item
	}

	if err := c.probe(endpoint); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Upload endpoint is not reachable: %v", err)
		item.Hint = "Check the URL and your network connection."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Endpoint reachable: %s", endpoint)
	return item
}

// checkCredential verifies a bearer token is configured. Validity is only
// proven by an actual upload; this check catches the empty case early.
func (c *Checker) checkCredential(token string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "credential",
		Name: "API credential",
	}

	if strings.TrimSpace(token) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "No API token is configured."
		item.Hint = "Paste the service API token into settings. Uploads without it are rejected."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = "API token is present."
	return item
}

// checkRecordingsDir validates the watched directory exists and is writable.
func (c *Checker) checkRecordingsDir(dir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:      "recordings_dir",
		Name:    "Recordings directory",
		Fixable: true,
	}

	if strings.TrimSpace(dir) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Recordings directory is empty."
		item.Hint = "Set the folder your meeting recorder saves into."
		return item
	}

	if err := c.mkdirAll(dir, 0o755); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot create recordings directory: %s", dir)
		item.Hint = "Choose a writable location or adjust filesystem permissions."
		return item
	}

	tmpFile, err := c.createTemp(dir, ".write-check-*")
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Recordings directory is not writable: %s", dir)
		item.Hint = "Choose a writable directory for the folder watcher."
		return item
	}

	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	_ = c.remove(tmpPath)

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", dir)
	return item
}

// checkSessionStore verifies the local history database can be opened.
func (c *Checker) checkSessionStore() domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:      "session_store",
		Name:    "Session store",
		Fixable: true,
	}

	if c.openSession == nil {
		item.Status = domain.DiagnosticStatusPass
		item.Message = "Session store check skipped."
		return item
	}

	if err := c.openSession(c.sessionPath); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot open session store: %v", err)
		item.Hint = "Re-initialize the session store; upload history will start fresh."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Session store is healthy: %s", c.sessionPath)
	return item
}

// NewCheckerForTests creates a checker with injectable dependencies.
func NewCheckerForTests(
	sessionPath string,
	probe func(endpoint string) error,
	mkdirAll func(string, os.FileMode) error,
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
	openSession func(path string) error,
) *Checker {
	return &Checker{
		sessionPath: sessionPath,
		probe:       probe,
		mkdirAll:    mkdirAll,
		createTemp:  createTemp,
		remove:      remove,
		openSession: openSession,
	}
}

// probeEndpoint sends a HEAD request to the endpoint. Any HTTP response
// counts as reachable; upload handlers routinely reject HEAD with 405.
func probeEndpoint(endpoint string) error {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
