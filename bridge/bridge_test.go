package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// manualTransport records requests and lets the test decide when and how
// to respond.
type manualTransport struct {
	mu   sync.Mutex
	sent []Request
	err  error
}

func (t *manualTransport) Send(_ context.Context, req Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, req)
	return nil
}

func (t *manualTransport) last() Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent[len(t.sent)-1]
}

func TestClientCorrelatesResponseByID(t *testing.T) {
	transport := &manualTransport{}
	client, err := NewClient(transport)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		result, err := client.SendText(context.Background(), "123", "Hi")
		if err != nil {
			done <- err
			return
		}
		if !result.OK {
			done <- errors.New("expected ok result")
			return
		}
		done <- nil
	}()

	// Wait for the request to hit the transport, then answer it.
	waitFor(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sent) == 1
	})

	req := transport.last()
	if req.ID == "" {
		t.Fatal("request has no correlation id")
	}
	if req.Type != RequestSendText {
		t.Fatalf("request type = %s", req.Type)
	}

	// A mismatched id must be dropped.
	if client.Deliver(Response{ID: "other", Payload: json.RawMessage(`{"ok":true}`)}) {
		t.Error("Deliver accepted an uncorrelated response")
	}
	if !client.Deliver(Response{ID: req.ID, Payload: json.RawMessage(`{"ok":true}`)}) {
		t.Error("Deliver rejected the matching response")
	}

	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestClientTimeoutRemovesPendingCall(t *testing.T) {
	transport := &manualTransport{}
	timeouts := DefaultTimeouts()
	timeouts.SendText = 20 * time.Millisecond
	client, err := NewClient(transport, WithTimeouts(timeouts))
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.SendText(context.Background(), "123", "Hi")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// Late responses find no pending call.
	req := transport.last()
	if client.Deliver(Response{ID: req.ID, Payload: json.RawMessage(`{"ok":true}`)}) {
		t.Error("late response should be dropped")
	}
}

func TestClientTransportFailureIsBridgeNotReady(t *testing.T) {
	transport := &manualTransport{err: errors.New("boom")}
	client, err := NewClient(transport)
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.SendText(context.Background(), "123", "Hi")
	if !errors.Is(err, ErrBridgeNotReady) {
		t.Fatalf("err = %v, want ErrBridgeNotReady", err)
	}
}

func TestClientContextCancellation(t *testing.T) {
	transport := &manualTransport{}
	client, err := NewClient(transport)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.SendText(ctx, "123", "Hi"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestLoopbackValidation(t *testing.T) {
	lb := NewLoopback()
	client, err := NewClient(lb)
	if err != nil {
		t.Fatal(err)
	}
	lb.Bind(func(resp Response) { client.Deliver(resp) })
	ctx := context.Background()

	result, err := client.SendText(ctx, "", "Hi")
	if err != nil {
		t.Fatal(err)
	}
	if result.OK || result.Error != "invalid-payload" {
		t.Errorf("empty chat id: got %+v", result)
	}

	lb.SetNotReady(true)
	result, err = client.SendText(ctx, "123", "Hi")
	if err != nil {
		t.Fatal(err)
	}
	if result.OK || result.Error != "bridge-not-ready" {
		t.Errorf("not ready: got %+v", result)
	}
	lb.SetNotReady(false)

	result, err = client.SendText(ctx, "123", "Hi")
	if err != nil || !result.OK {
		t.Errorf("send-text: result=%+v err=%v", result, err)
	}

	result, err = client.InsertText(ctx, "123", "draft")
	if err != nil || !result.OK {
		t.Errorf("insert-text: result=%+v err=%v", result, err)
	}
}

func TestLoopbackChatLookups(t *testing.T) {
	lb := NewLoopback()
	client, err := NewClient(lb)
	if err != nil {
		t.Fatal(err)
	}
	lb.Bind(func(resp Response) { client.Deliver(resp) })
	lb.AddChat(ChatInfo{ID: "123", Name: "Maria"}, true)
	ctx := context.Background()

	active, err := client.ActiveChat(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != "123" {
		t.Errorf("active chat = %+v", active)
	}

	chat, err := client.GetChat(ctx, "123")
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil || chat.Name != "Maria" {
		t.Errorf("get-chat = %+v", chat)
	}

	missing, err := client.GetChat(ctx, "999")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("unknown chat should be nil, got %+v", missing)
	}
}

func TestLoopbackPresenceMarks(t *testing.T) {
	lb := NewLoopback()
	client, err := NewClient(lb)
	if err != nil {
		t.Fatal(err)
	}
	lb.Bind(func(resp Response) { client.Deliver(resp) })
	ctx := context.Background()

	if err := client.MarkComposing(ctx, "123", 4000); err != nil {
		t.Errorf("MarkComposing: %v", err)
	}
	if err := client.MarkRecording(ctx, "123", 4000); err != nil {
		t.Errorf("MarkRecording: %v", err)
	}
	if err := client.MarkPaused(ctx, "123"); err != nil {
		t.Errorf("MarkPaused: %v", err)
	}

	marks := lb.SentOfType(RequestMarkComposing)
	if len(marks) != 1 {
		t.Fatalf("composing requests = %d", len(marks))
	}
	if marks[0].Options["duration"] != 4000 {
		t.Errorf("composing duration = %v", marks[0].Options["duration"])
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
