package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeCreds supplies a fixed endpoint and token.
type fakeCreds struct {
	url   string
	token string
}

// UploadURL returns the configured endpoint.
func (c fakeCreds) UploadURL() string { return c.url }

// Token returns the configured bearer token.
func (c fakeCreds) Token() string { return c.token }

// roundTripFunc adapts a function to http.RoundTripper for request fakes.
type roundTripFunc func(*http.Request) (*http.Response, error)

// RoundTrip delegates to the wrapped function.
func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// TestSendMultipartSuccess checks the primary upload path end to end.
func TestSendMultipartSuccess(t *testing.T) {
	payload := strings.Repeat("audio-bytes-", 512)
	path := writePayload(t, "standup.wav", payload)

	var gotAuth string
	var gotLanguage, gotTitle, gotTrace string
	var gotFileName, gotFileBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart form: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		gotLanguage = r.FormValue("language")
		gotTitle = r.FormValue("title")
		gotTrace = r.FormValue("traceId")

		file, header, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("read audio part: %v", err)
			http.Error(w, "no audio", http.StatusBadRequest)
			return
		}
		defer file.Close()
		gotFileName = header.Filename
		body, _ := io.ReadAll(file)
		gotFileBody = string(body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"meetingId":"srv_123","status":"processing","stage":"queued"}`))
	}))
	defer server.Close()

	tr := NewHTTPTransportForTests(fakeCreds{url: server.URL, token: "tok-1"}, server.Client(), time.Minute)
	events := drainEvents(t, tr.Send(context.Background(), Request{
		JobID:       "rec-1",
		FilePath:    path,
		FileName:    "standup.wav",
		ContentType: "audio/wav",
		Language:    "en",
		Title:       "Daily standup",
		TraceID:     "trace-1",
		Auth:        AuthAuto,
	}))

	terminal := terminalEvent(t, events)
	if terminal.Err != nil {
		t.Fatalf("terminal error = %v", terminal.Err)
	}
	if terminal.Receipt == nil || terminal.Receipt.ID != "srv_123" {
		t.Fatalf("receipt = %+v, want ID srv_123", terminal.Receipt)
	}
	if terminal.Percent != 100 {
		t.Fatalf("terminal percent = %d, want 100", terminal.Percent)
	}

	if gotAuth != "Bearer tok-1" {
		t.Fatalf("auth header = %q, want Bearer tok-1", gotAuth)
	}
	if gotLanguage != "en" || gotTitle != "Daily standup" || gotTrace != "trace-1" {
		t.Fatalf("form fields = %q %q %q", gotLanguage, gotTitle, gotTrace)
	}
	if gotFileName != "standup.wav" {
		t.Fatalf("file name = %q, want standup.wav", gotFileName)
	}
	if gotFileBody != payload {
		t.Fatalf("payload length = %d, want %d", len(gotFileBody), len(payload))
	}

	last := 0
	for _, ev := range events[:len(events)-1] {
		if ev.Done {
			t.Fatalf("stream carries more than one terminal event: %+v", events)
		}
		if ev.Percent < last {
			t.Fatalf("progress regressed: %d after %d", ev.Percent, last)
		}
		if ev.Percent > 95 {
			t.Fatalf("milestone %d above 95 before terminal", ev.Percent)
		}
		last = ev.Percent
	}
}

// TestSendFallsBackToRawBodyOnProtocolFailure checks that a dead multipart
// attempt is retried once as a raw body within the same Send call.
func TestSendFallsBackToRawBodyOnProtocolFailure(t *testing.T) {
	payload := strings.Repeat("x", 4096)
	path := writePayload(t, "retro.m4a", payload)

	var rawBody string
	var rawHeaders http.Header
	var calls int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			return nil, errors.New("connection reset by peer")
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		rawBody = string(body)
		rawHeaders = r.Header.Clone()
		return jsonResponse(http.StatusOK, `{"meeting_id":"srv_raw"}`), nil
	})}

	tr := NewHTTPTransportForTests(fakeCreds{url: "http://service.test/upload", token: "tok"}, client, time.Minute)
	events := drainEvents(t, tr.Send(context.Background(), Request{
		JobID:       "rec-2",
		FilePath:    path,
		FileName:    "retro.m4a",
		ContentType: "audio/mp4",
		Language:    "en",
		TraceID:     "trace-2",
		MeetingID:   "m-77",
		Auth:        AuthAuto,
	}))

	terminal := terminalEvent(t, events)
	if terminal.Err != nil {
		t.Fatalf("terminal error = %v", terminal.Err)
	}
	if terminal.Receipt == nil || terminal.Receipt.ID != "srv_raw" {
		t.Fatalf("receipt = %+v, want ID srv_raw", terminal.Receipt)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("request count = %d, want 2", got)
	}

	if rawBody != payload {
		t.Fatalf("raw body length = %d, want %d", len(rawBody), len(payload))
	}
	if got := rawHeaders.Get("X-File-Name"); got != "retro.m4a" {
		t.Fatalf("X-File-Name = %q, want retro.m4a", got)
	}
	if got := rawHeaders.Get("X-Trace-Id"); got != "trace-2" {
		t.Fatalf("X-Trace-Id = %q, want trace-2", got)
	}
	if got := rawHeaders.Get("X-Meeting-Id"); got != "m-77" {
		t.Fatalf("X-Meeting-Id = %q, want m-77", got)
	}
	if got := rawHeaders.Get("Content-Type"); got != "audio/mp4" {
		t.Fatalf("raw content type = %q, want audio/mp4", got)
	}
	if got := rawHeaders.Get("Authorization"); got != "Bearer tok" {
		t.Fatalf("raw auth header = %q, want Bearer tok", got)
	}
}

// TestSendApplicationFailureDoesNotFallBack checks that a service rejection
// is terminal for the attempt without a raw-body retry.
func TestSendApplicationFailureDoesNotFallBack(t *testing.T) {
	path := writePayload(t, "clip.wav", strings.Repeat("a", 2048))

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"unsupported_media","message":"codec not supported"}`))
	}))
	defer server.Close()

	tr := NewHTTPTransportForTests(fakeCreds{url: server.URL, token: "tok"}, server.Client(), time.Minute)
	events := drainEvents(t, tr.Send(context.Background(), Request{
		JobID:    "rec-3",
		FilePath: path,
		FileName: "clip.wav",
		Auth:     AuthAuto,
	}))

	terminal := terminalEvent(t, events)
	if terminal.Err == nil {
		t.Fatal("expected terminal error")
	}
	if got := ClassOf(terminal.Err); got != ClassApplication {
		t.Fatalf("error class = %s, want %s", got, ClassApplication)
	}
	if !strings.Contains(terminal.Err.Error(), "codec not supported") {
		t.Fatalf("error = %q, want service detail included", terminal.Err.Error())
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("request count = %d, want 1", got)
	}
}

// TestSendRequiredAuthWithoutTokenFailsBeforeNetwork checks the strict auth
// mode refuses to start without a credential.
func TestSendRequiredAuthWithoutTokenFailsBeforeNetwork(t *testing.T) {
	path := writePayload(t, "clip.wav", strings.Repeat("a", 2048))

	var calls int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(http.StatusOK, `{"id":"never"}`), nil
	})}

	tr := NewHTTPTransportForTests(fakeCreds{url: "http://service.test/upload"}, client, time.Minute)
	events := drainEvents(t, tr.Send(context.Background(), Request{
		JobID:    "rec-4",
		FilePath: path,
		FileName: "clip.wav",
		Auth:     AuthRequired,
	}))

	terminal := terminalEvent(t, events)
	if terminal.Err == nil {
		t.Fatal("expected terminal error")
	}
	var terr *Error
	if !errors.As(terminal.Err, &terr) {
		t.Fatalf("error type = %T, want *Error", terminal.Err)
	}
	if terr.Class != ClassValidation {
		t.Fatalf("error class = %s, want %s", terr.Class, ClassValidation)
	}
	if terr.Code != CodeMissingCredential {
		t.Fatalf("error code = %q, want %s", terr.Code, CodeMissingCredential)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("request count = %d, want 0", got)
	}
}

// TestSendOmitAuthStripsBearerHeader checks AuthOmit even with a token set.
func TestSendOmitAuthStripsBearerHeader(t *testing.T) {
	path := writePayload(t, "clip.wav", strings.Repeat("a", 2048))

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"srv_omit"}`))
	}))
	defer server.Close()

	tr := NewHTTPTransportForTests(fakeCreds{url: server.URL, token: "tok"}, server.Client(), time.Minute)
	events := drainEvents(t, tr.Send(context.Background(), Request{
		JobID:    "rec-5",
		FilePath: path,
		FileName: "clip.wav",
		Auth:     AuthOmit,
	}))

	terminal := terminalEvent(t, events)
	if terminal.Err != nil {
		t.Fatalf("terminal error = %v", terminal.Err)
	}
	if gotAuth != "" {
		t.Fatalf("auth header = %q, want empty", gotAuth)
	}
}

// TestSendMapsKnownServiceFailures checks status and code translation.
func TestSendMapsKnownServiceFailures(t *testing.T) {
	path := writePayload(t, "clip.wav", strings.Repeat("a", 2048))

	cases := []struct {
		name        string
		status      int
		body        string
		meetingID   string
		wantCode    string
		wantMessage string
	}{
		{
			name:        "missing meeting",
			status:      http.StatusNotFound,
			body:        `{"error":"not_found"}`,
			meetingID:   "m-1",
			wantCode:    CodeNotFound,
			wantMessage: "resource not found",
		},
		{
			name:        "unauthorized",
			status:      http.StatusUnauthorized,
			body:        `{}`,
			wantCode:    CodeMissingCredential,
			wantMessage: "missing credential",
		},
		{
			name:        "quota exhausted",
			status:      http.StatusTooManyRequests,
			body:        `{"error":"quota_exceeded"}`,
			wantCode:    CodeQuotaExceeded,
			wantMessage: "upload quota exceeded",
		},
	}

	for _, tc := range cases {
		client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return jsonResponse(tc.status, tc.body), nil
		})}
		tr := NewHTTPTransportForTests(fakeCreds{url: "http://service.test/upload", token: "tok"}, client, time.Minute)
		events := drainEvents(t, tr.Send(context.Background(), Request{
			JobID:     "rec-6",
			FilePath:  path,
			FileName:  "clip.wav",
			MeetingID: tc.meetingID,
			Auth:      AuthAuto,
		}))

		terminal := terminalEvent(t, events)
		var terr *Error
		if !errors.As(terminal.Err, &terr) {
			t.Fatalf("%s: error type = %T, want *Error", tc.name, terminal.Err)
		}
		if terr.Code != tc.wantCode {
			t.Fatalf("%s: code = %q, want %q", tc.name, terr.Code, tc.wantCode)
		}
		if terr.Message != tc.wantMessage {
			t.Fatalf("%s: message = %q, want %q", tc.name, terr.Message, tc.wantMessage)
		}
	}
}

// TestSendDeadlineClassifiedAsTimeout checks that deadline expiry is its own
// failure class and never triggers the raw fallback.
func TestSendDeadlineClassifiedAsTimeout(t *testing.T) {
	path := writePayload(t, "clip.wav", strings.Repeat("a", 2048))

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{"id":"late"}`))
	}))
	defer server.Close()

	tr := NewHTTPTransportForTests(fakeCreds{url: server.URL, token: "tok"}, server.Client(), 30*time.Millisecond)
	events := drainEvents(t, tr.Send(context.Background(), Request{
		JobID:    "rec-7",
		FilePath: path,
		FileName: "clip.wav",
		Auth:     AuthAuto,
	}))

	terminal := terminalEvent(t, events)
	if terminal.Err == nil {
		t.Fatal("expected terminal error")
	}
	if got := ClassOf(terminal.Err); got != ClassTimeout {
		t.Fatalf("error class = %s, want %s", got, ClassTimeout)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("request count = %d, want 1", got)
	}
}

// TestSendRejectsTinyPayload checks the minimum payload size guard.
func TestSendRejectsTinyPayload(t *testing.T) {
	path := writePayload(t, "blip.wav", "too small")

	var calls int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(http.StatusOK, `{"id":"never"}`), nil
	})}

	tr := NewHTTPTransportForTests(fakeCreds{url: "http://service.test/upload", token: "tok"}, client, time.Minute)
	events := drainEvents(t, tr.Send(context.Background(), Request{
		JobID:    "rec-8",
		FilePath: path,
		FileName: "blip.wav",
		Auth:     AuthAuto,
	}))

	terminal := terminalEvent(t, events)
	if got := ClassOf(terminal.Err); got != ClassValidation {
		t.Fatalf("error class = %s, want %s", got, ClassValidation)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("request count = %d, want 0", got)
	}
}

// TestParseReceiptFieldOrder checks identifier precedence across response
// shapes and the fail-closed behavior for unknown shapes.
func TestParseReceiptFieldOrder(t *testing.T) {
	receipt, err := parseReceipt([]byte(`{"meetingId":"a","meeting_id":"b","id":"c"}`))
	if err != nil {
		t.Fatalf("parse error = %v", err)
	}
	if receipt.ID != "a" {
		t.Fatalf("id = %q, want a", receipt.ID)
	}

	receipt, err = parseReceipt([]byte(`{"meeting_id":"b","id":"c"}`))
	if err != nil {
		t.Fatalf("parse error = %v", err)
	}
	if receipt.ID != "b" {
		t.Fatalf("id = %q, want b", receipt.ID)
	}

	receipt, err = parseReceipt([]byte(`{"id":"c","status":"done"}`))
	if err != nil {
		t.Fatalf("parse error = %v", err)
	}
	if receipt.ID != "c" || receipt.Status != "done" {
		t.Fatalf("receipt = %+v, want id c status done", receipt)
	}

	if _, err := parseReceipt([]byte(`{"uploadRef":"x"}`)); err == nil {
		t.Fatal("expected error for response without known identifier field")
	}
	if _, err := parseReceipt([]byte(`{"meetingId":"   "}`)); err == nil {
		t.Fatal("expected error for blank identifier")
	}
	if _, err := parseReceipt([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed body")
	}
}

// TestCountingReaderMilestones checks coarse, non-decreasing progress.
func TestCountingReaderMilestones(t *testing.T) {
	var milestones []int
	reader := &countingReader{
		r:     strings.NewReader(strings.Repeat("z", 1000)),
		total: 1000,
		emit:  func(pct int) { milestones = append(milestones, pct) },
	}

	buf := make([]byte, 100)
	for {
		if _, err := reader.Read(buf); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("read error = %v", err)
		}
	}

	if len(milestones) == 0 {
		t.Fatal("expected at least one milestone")
	}
	last := 0
	for _, pct := range milestones {
		if pct <= last {
			t.Fatalf("milestone %d not above previous %d", pct, last)
		}
		if pct%progressStep != 0 {
			t.Fatalf("milestone %d not aligned to step %d", pct, progressStep)
		}
		if pct > 95 {
			t.Fatalf("milestone %d above cap", pct)
		}
		last = pct
	}
}

// writePayload creates a recording fixture and returns its path.
func writePayload(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write payload %s: %v", path, err)
	}
	return path
}

// drainEvents collects the full event stream from one Send call.
func drainEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var events []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				if len(events) == 0 {
					t.Fatal("stream closed without events")
				}
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out waiting for transfer events")
		}
	}
}

// terminalEvent returns the stream's final element and asserts it is terminal.
func terminalEvent(t *testing.T, events []Event) Event {
	t.Helper()
	last := events[len(events)-1]
	if !last.Done {
		t.Fatalf("final event not terminal: %+v", last)
	}
	return last
}

// jsonResponse builds a canned *http.Response for RoundTripper fakes.
func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}
