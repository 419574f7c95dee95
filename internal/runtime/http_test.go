package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPRuntimeSuccess(t *testing.T) {
	var got TaskInput
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.Header.Get("X-Request-ID") != "req-1" {
			t.Errorf("X-Request-ID = %q", r.Header.Get("X-Request-ID"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"summary":"done","tokens":42}`))
	}))
	defer srv.Close()

	rt := NewHTTPRuntime(srv.URL, nil)
	out, err := rt.Run(context.Background(), TaskInput{Task: "summarize", RequestID: "req-1", TaskID: "task_req-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["summary"] != "done" {
		t.Errorf("summary = %v", out["summary"])
	}
	if got.Task != "summarize" || got.TaskID != "task_req-1" {
		t.Errorf("executor received %+v", got)
	}
}

func TestHTTPRuntimeErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"x"}`, "status 500"},
		{"not json", http.StatusOK, `plain text`, "decoding"},
		{"null body", http.StatusOK, `null`, "no output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPRuntime(srv.URL, nil).Run(context.Background(), TaskInput{})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPRuntimeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPRuntime(url, nil).Run(context.Background(), TaskInput{})
	if err == nil || !strings.Contains(err.Error(), "connection_refused") {
		t.Fatalf("error = %v, want connection_refused", err)
	}
}

func TestHTTPRuntimeUnderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	e := WithTimeout(NewHTTPRuntime(srv.URL, nil), 50*time.Millisecond)
	if _, ok := e.Execute(context.Background(), TaskInput{}).(TimedOut); !ok {
		t.Fatal("expected TimedOut for a stalled executor")
	}
}
