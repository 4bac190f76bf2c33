package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	// attemptTimeout bounds one Send call end to end. Stalled-but-alive
	// transfers are the registry watchdog's problem, not the transport's.
	attemptTimeout = 30 * time.Minute

	// minPayloadBytes rejects obviously truncated recordings before any
	// network traffic.
	minPayloadBytes = 1024

	// progressStep is the milestone granularity reported while streaming.
	progressStep = 5

	// maxResponseBytes caps how much of a service response is read.
	maxResponseBytes = 1 << 20
)

// HTTPTransport uploads recordings over HTTP. Multipart form encoding is the
// primary path; when a multipart attempt dies below the application layer the
// same payload is resent once as a raw body with metadata headers.
type HTTPTransport struct {
	creds   Credentials
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewHTTPTransport constructs the production transport.
func NewHTTPTransport(creds Credentials) *HTTPTransport {
	return &HTTPTransport{
		creds:   creds,
		client:  &http.Client{},
		timeout: attemptTimeout,
		logger:  slog.Default(),
	}
}

// NewHTTPTransportForTests constructs a transport with injectable HTTP
// client and attempt deadline.
func NewHTTPTransportForTests(creds Credentials, client *http.Client, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		creds:   creds,
		client:  client,
		timeout: timeout,
		logger:  slog.Default(),
	}
}

// Send streams one transfer attempt. The returned channel carries coarse
// progress milestones followed by exactly one terminal event, then closes.
func (t *HTTPTransport) Send(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event, 1)
	go func() {
		defer close(events)
		t.run(ctx, req, events)
	}()
	return events
}

// run performs validation, the multipart attempt, and the raw fallback.
func (t *HTTPTransport) run(ctx context.Context, req Request, events chan<- Event) {
	endpoint, err := t.validate(req)
	if err != nil {
		events <- Event{Done: true, Err: err}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	receipt, sendErr := t.postMultipart(ctx, endpoint, req, events)
	if sendErr != nil && isClass(sendErr, ClassProtocol) {
		t.logger.Info("multipart upload failed below the application layer, retrying as raw body",
			"jobId", req.JobID, "traceId", req.TraceID, "error", sendErr)
		receipt, sendErr = t.postRaw(ctx, endpoint, req, events)
	}
	if sendErr != nil {
		events <- Event{Done: true, Err: sendErr}
		return
	}

	events <- Event{Percent: 100, Done: true, Receipt: &receipt}
}

// validate checks the request and environment before any network traffic.
func (t *HTTPTransport) validate(req Request) (string, error) {
	if strings.TrimSpace(req.FilePath) == "" {
		return "", &Error{Class: ClassValidation, Message: "recording path is empty"}
	}

	info, err := os.Stat(req.FilePath)
	if err != nil {
		return "", &Error{
			Class:   ClassValidation,
			Message: fmt.Sprintf("cannot access recording: %s", req.FilePath),
			Err:     err,
		}
	}
	if info.IsDir() {
		return "", &Error{
			Class:   ClassValidation,
			Message: fmt.Sprintf("recording path is a directory: %s", req.FilePath),
		}
	}
	if info.Size() == 0 {
		return "", &Error{Class: ClassValidation, Message: "recording is empty"}
	}
	if info.Size() < minPayloadBytes {
		return "", &Error{
			Class:   ClassValidation,
			Message: fmt.Sprintf("recording is too small to be a real capture (%d bytes)", info.Size()),
		}
	}

	endpoint := strings.TrimSpace(t.creds.UploadURL())
	if endpoint == "" {
		return "", &Error{Class: ClassValidation, Message: "upload endpoint is not configured"}
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", &Error{
			Class:   ClassValidation,
			Message: fmt.Sprintf("upload endpoint is not a valid URL: %s", endpoint),
			Err:     err,
		}
	}

	if req.Auth == AuthRequired && strings.TrimSpace(t.creds.Token()) == "" {
		return "", &Error{Class: ClassValidation, Code: CodeMissingCredential, Message: "missing credential"}
	}

	return endpoint, nil
}

// postMultipart streams the payload as a multipart form. The form body is
// produced by a writer goroutine; run waits for that goroutine to finish
// before returning so no progress event can trail the terminal one.
func (t *HTTPTransport) postMultipart(ctx context.Context, endpoint string, req Request, events chan<- Event) (Receipt, error) {
	file, size, err := openPayload(req.FilePath)
	if err != nil {
		return Receipt{}, err
	}
	defer file.Close()

	counting := &countingReader{
		r:     file,
		total: size,
		emit:  func(pct int) { events <- Event{Percent: pct} },
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		pw.CloseWithError(writeForm(form, req, counting))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.CloseWithError(err)
		<-writeDone
		return Receipt{}, &Error{Class: ClassProtocol, Message: "build multipart request", Err: err}
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	t.attachAuth(httpReq, req.Auth)

	resp, doErr := t.client.Do(httpReq)
	_ = pr.Close()
	<-writeDone
	if doErr != nil {
		return Receipt{}, t.wrapSendError(ctx, "multipart upload", doErr)
	}
	defer resp.Body.Close()

	return t.decodeResponse(resp, req)
}

// writeForm writes metadata fields and the payload part in a fixed order.
func writeForm(form *multipart.Writer, req Request, payload io.Reader) error {
	fields := []struct {
		name  string
		value string
	}{
		{"language", req.Language},
		{"title", req.Title},
		{"traceId", req.TraceID},
		{"meetingId", req.MeetingID},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := form.WriteField(f.name, f.value); err != nil {
			return fmt.Errorf("write form field %s: %w", f.name, err)
		}
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, req.FileName))
	header.Set("Content-Type", contentTypeOrDefault(req.ContentType))
	part, err := form.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create payload part: %w", err)
	}
	if _, err := io.Copy(part, payload); err != nil {
		return fmt.Errorf("stream payload: %w", err)
	}
	return form.Close()
}

// postRaw resends the payload as a plain request body with metadata headers.
// Some proxies strip or reject multipart bodies; this path survives them.
func (t *HTTPTransport) postRaw(ctx context.Context, endpoint string, req Request, events chan<- Event) (Receipt, error) {
	file, size, err := openPayload(req.FilePath)
	if err != nil {
		return Receipt{}, err
	}
	defer file.Close()

	counting := &countingReader{
		r:     file,
		total: size,
		emit:  func(pct int) { events <- Event{Percent: pct} },
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, counting)
	if err != nil {
		return Receipt{}, &Error{Class: ClassProtocol, Message: "build raw request", Err: err}
	}
	httpReq.ContentLength = size
	httpReq.Header.Set("Content-Type", contentTypeOrDefault(req.ContentType))
	httpReq.Header.Set("X-File-Name", req.FileName)
	setOptionalHeader(httpReq, "X-Language", req.Language)
	setOptionalHeader(httpReq, "X-Title", req.Title)
	setOptionalHeader(httpReq, "X-Trace-Id", req.TraceID)
	setOptionalHeader(httpReq, "X-Meeting-Id", req.MeetingID)
	t.attachAuth(httpReq, req.Auth)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Receipt{}, t.wrapSendError(ctx, "raw upload", err)
	}
	defer resp.Body.Close()

	return t.decodeResponse(resp, req)
}

// decodeResponse reads the service response and produces a receipt or a
// classified failure.
func (t *HTTPTransport) decodeResponse(resp *http.Response, req Request) (Receipt, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Receipt{}, &Error{Class: ClassProtocol, Message: "read service response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Receipt{}, mapFailure(resp.StatusCode, body, req.MeetingID != "")
	}

	receipt, err := parseReceipt(body)
	if err != nil {
		return Receipt{}, &Error{
			Class:   ClassApplication,
			Message: fmt.Sprintf("unusable service response: %v", err),
			Err:     err,
		}
	}
	return receipt, nil
}

// wrapSendError classifies a client.Do failure. Deadline expiry must not be
// mistaken for a protocol failure or it would trigger the raw fallback.
func (t *HTTPTransport) wrapSendError(ctx context.Context, op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{
			Class:   ClassTimeout,
			Message: fmt.Sprintf("%s timed out after %s", op, t.timeout),
			Err:     err,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return &Error{Class: ClassProtocol, Message: fmt.Sprintf("%s canceled", op), Err: err}
	}
	return &Error{Class: ClassProtocol, Message: fmt.Sprintf("%s failed: %v", op, err), Err: err}
}

// attachAuth sets the bearer header according to the request auth mode.
func (t *HTTPTransport) attachAuth(r *http.Request, mode AuthMode) {
	if mode == AuthOmit {
		return
	}
	token := strings.TrimSpace(t.creds.Token())
	if token == "" {
		return
	}
	r.Header.Set("Authorization", "Bearer "+token)
}

// openPayload opens the recording and returns its current size. The size is
// re-read per attempt because recorders occasionally rewrite files between
// registration and transfer.
func openPayload(path string) (*os.File, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, &Error{
			Class:   ClassValidation,
			Message: fmt.Sprintf("cannot open recording: %s", path),
			Err:     err,
		}
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, &Error{
			Class:   ClassValidation,
			Message: fmt.Sprintf("cannot inspect recording: %s", path),
			Err:     err,
		}
	}
	return file, info.Size(), nil
}

// setOptionalHeader sets a header only when the value is non-empty.
func setOptionalHeader(r *http.Request, name, value string) {
	if value != "" {
		r.Header.Set(name, value)
	}
}

// contentTypeOrDefault falls back to an opaque byte stream when the payload
// type was never determined.
func contentTypeOrDefault(contentType string) string {
	if strings.TrimSpace(contentType) == "" {
		return "application/octet-stream"
	}
	return contentType
}

// countingReader reports payload bytes handed to the HTTP stack as coarse,
// non-decreasing percent milestones. It tops out at 95 so that 100 remains
// reserved for a parsed success response.
type countingReader struct {
	r       io.Reader
	total   int64
	read    int64
	lastPct int
	emit    func(pct int)
}

// Read forwards to the wrapped reader and emits milestone events.
func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.total > 0 {
		c.read += int64(n)
		pct := int(c.read * 100 / c.total)
		if pct > 95 {
			pct = 95
		}
		pct -= pct % progressStep
		if pct > c.lastPct {
			c.lastPct = pct
			c.emit(pct)
		}
	}
	return n, err
}
