package transport

import "context"

// AuthMode controls how the bearer credential is attached to an attempt.
type AuthMode string

const (
	// AuthAuto attaches the token when one is configured.
	AuthAuto AuthMode = "auto"
	// AuthRequired refuses to start an attempt without a token.
	AuthRequired AuthMode = "required"
	// AuthOmit never attaches the token, even when configured.
	AuthOmit AuthMode = "omit"
)

// Request describes one payload transfer to the transcription service.
type Request struct {
	JobID       string
	FilePath    string
	FileName    string
	SizeBytes   int64
	ContentType string
	Language    string
	Title       string
	TraceID     string
	MeetingID   string
	Auth        AuthMode
}

// Receipt is the service acknowledgement of one accepted upload.
type Receipt struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Stage  string `json:"stage,omitempty"`
}

// Event is one element of a transfer stream: zero or more progress
// milestones followed by exactly one terminal element. The channel is
// closed after the terminal element.
type Event struct {
	Percent int
	Done    bool
	Receipt *Receipt
	Err     error
}

// Transport performs exactly one transfer attempt per Send call.
type Transport interface {
	Send(ctx context.Context, req Request) <-chan Event
}

// Credentials supplies the endpoint and bearer token at attempt time, so
// settings changes apply to the next attempt without restarting anything.
type Credentials interface {
	UploadURL() string
	Token() string
}
