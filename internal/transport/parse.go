package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// receiptBody mirrors the accepted success-response shapes. Deployed service
// versions disagree on the identifier field name, so all known spellings are
// declared and tried in a fixed order.
type receiptBody struct {
	MeetingID      string `json:"meetingId"`
	MeetingIDSnake string `json:"meeting_id"`
	LegacyID       string `json:"id"`
	Status         string `json:"status"`
	Stage          string `json:"stage"`
}

// parseReceipt extracts the canonical identifier from a 2xx response body.
// A body naming no known identifier field is an error, never an empty ID.
func parseReceipt(body []byte) (Receipt, error) {
	var rb receiptBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return Receipt{}, fmt.Errorf("decode service response: %w", err)
	}

	for _, id := range []string{rb.MeetingID, rb.MeetingIDSnake, rb.LegacyID} {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			return Receipt{ID: trimmed, Status: rb.Status, Stage: rb.Stage}, nil
		}
	}
	return Receipt{}, fmt.Errorf("service response carries no meeting identifier")
}

// errorBody mirrors the JSON shape of service failure responses.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// mapFailure turns a non-2xx response into a classified application error,
// translating recognized status codes and service error codes into stable
// user-facing reasons.
func mapFailure(status int, body []byte, targetsExisting bool) *Error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	code := strings.TrimSpace(eb.Error)
	detail := strings.TrimSpace(eb.Message)
	if detail == "" {
		detail = code
	}

	switch {
	case status == http.StatusNotFound && targetsExisting:
		return &Error{Class: ClassApplication, Code: CodeNotFound, Message: "resource not found"}
	case status == http.StatusUnauthorized || status == http.StatusForbidden || code == CodeMissingCredential:
		return &Error{Class: ClassApplication, Code: CodeMissingCredential, Message: "missing credential"}
	case code == CodeQuotaExceeded:
		return &Error{Class: ClassApplication, Code: CodeQuotaExceeded, Message: "upload quota exceeded"}
	}

	if detail != "" {
		return &Error{Class: ClassApplication, Message: fmt.Sprintf("upload rejected (HTTP %d): %s", status, detail)}
	}
	return &Error{Class: ClassApplication, Message: fmt.Sprintf("upload rejected (HTTP %d)", status)}
}
