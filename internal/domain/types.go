package domain

import "time"

// UploadState tracks the lifecycle of one background upload.
type UploadState string

const (
	UploadStatePending      UploadState = "pending"
	UploadStateTransferring UploadState = "transferring"
	UploadStateComplete     UploadState = "complete"
	UploadStateFailed       UploadState = "failed"
)

// UploadSource records how a recording entered the upload queue.
type UploadSource string

const (
	UploadSourceManual  UploadSource = "manual"
	UploadSourceWatcher UploadSource = "watcher"
)

// Settings contains user-selectable runtime configuration.
type Settings struct {
	Endpoint      string `json:"endpoint"`
	APIToken      string `json:"apiToken"`
	Language      string `json:"language"`
	RecordingsDir string `json:"recordingsDir"`
	AutoUpload    bool   `json:"autoUpload"`
}

// Upload stores identity, payload metadata, and live transfer state for one
// recording submitted to the transcription service.
type Upload struct {
	ID          string `json:"id"`
	FilePath    string `json:"filePath"`
	FileName    string `json:"fileName"`
	SizeBytes   int64  `json:"sizeBytes"`
	ContentType string `json:"contentType"`

	Language    string       `json:"language,omitempty"`
	Title       string       `json:"title,omitempty"`
	TraceID     string       `json:"traceId"`
	MeetingID   string       `json:"meetingId,omitempty"`
	Source      UploadSource `json:"source"`
	Fingerprint string       `json:"fingerprint,omitempty"`

	State           UploadState `json:"state"`
	ProgressPercent int         `json:"progressPercent"`
	AttemptCount    int         `json:"attemptCount"`
	EnqueuedAt      time.Time   `json:"enqueuedAt"`
	StartedAt       time.Time   `json:"startedAt"`
	LastProgressAt  time.Time   `json:"lastProgressAt"`
	LastError       string      `json:"lastError,omitempty"`
	ServerID        string      `json:"serverId,omitempty"`
}

// HistoryEntry is one persisted upload journal row. Unlike the live registry
// it survives restarts, so dashboards can show past sessions.
type HistoryEntry struct {
	JobID       string       `json:"jobId"`
	FileName    string       `json:"fileName"`
	SizeBytes   int64        `json:"sizeBytes"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	Source      UploadSource `json:"source"`
	State       UploadState  `json:"state"`
	LastError   string       `json:"lastError,omitempty"`
	ServerID    string       `json:"serverId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}
