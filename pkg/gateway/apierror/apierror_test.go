package apierror

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWrite_EnvelopeShape(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, "req_abc", http.StatusNotFound, "not found")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}

	var env Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Message != "not found" {
		t.Fatalf("message=%q", env.Error.Message)
	}
	if env.Error.RequestID != "req_abc" {
		t.Fatalf("request_id=%q", env.Error.RequestID)
	}
}

func TestWrite_OmitsEmptyRequestID(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, "", http.StatusInternalServerError, "internal error")

	if strings.Contains(rr.Body.String(), "request_id") {
		t.Fatalf("empty request id should be omitted, body=%q", rr.Body.String())
	}
}
