package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPostDeliversJSONWithSecret(t *testing.T) {
	var gotSecret, gotContentType string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get(SecretHeader)
		gotContentType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher()
	err := d.Post(context.Background(), srv.URL, "s3cret", map[string]any{
		"event":  "step",
		"chatId": "chat-1",
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if gotSecret != "s3cret" {
		t.Fatalf("secret header = %q", gotSecret)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type = %q", gotContentType)
	}
	if gotBody["event"] != "step" || gotBody["chatId"] != "chat-1" {
		t.Fatalf("body = %v", gotBody)
	}
}

func TestPostOmitsSecretHeaderWhenEmpty(t *testing.T) {
	var hasSecret bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasSecret = r.Header[SecretHeader]
	}))
	defer srv.Close()

	if err := NewDispatcher().Post(context.Background(), srv.URL, "", map[string]any{}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if hasSecret {
		t.Fatal("secret header sent despite empty secret")
	}
}

func TestPostReportsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewDispatcher().Post(context.Background(), srv.URL, "", map[string]any{})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Status != http.StatusBadGateway {
		t.Fatalf("status = %d", statusErr.Status)
	}
	if statusErr.Error() != "webhook-failed-502" {
		t.Fatalf("message = %q", statusErr.Error())
	}
}

func TestPostTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // force connection errors

	err := NewDispatcher().Post(context.Background(), srv.URL, "", map[string]any{})
	if err == nil {
		t.Fatal("expected transport error")
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		t.Fatal("transport failure misreported as status error")
	}
}
