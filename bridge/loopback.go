package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

// Loopback is an in-process transport that answers requests the way the
// host bridge does, including its validation failures. It is used for
// funnel rehearsal from the CLI and in tests.
type Loopback struct {
	mu       sync.Mutex
	deliver  func(Response)
	notReady bool
	sent     []Request
	chats    map[string]ChatInfo
	active   *ChatInfo
}

// NewLoopback creates a loopback transport. Bind must be called before
// the first Send.
func NewLoopback() *Loopback {
	return &Loopback{chats: make(map[string]ChatInfo)}
}

// Bind wires the transport to a response sink, normally Client.Deliver.
func (l *Loopback) Bind(deliver func(Response)) {
	l.mu.Lock()
	l.deliver = deliver
	l.mu.Unlock()
}

// SetNotReady makes every subsequent content request fail with the
// bridge-not-ready error the host emits before its chat layer loads.
func (l *Loopback) SetNotReady(v bool) {
	l.mu.Lock()
	l.notReady = v
	l.mu.Unlock()
}

// AddChat registers a chat for lookup requests.
func (l *Loopback) AddChat(chat ChatInfo, active bool) {
	l.mu.Lock()
	l.chats[chat.ID] = chat
	if active {
		c := chat
		l.active = &c
	}
	l.mu.Unlock()
}

// Sent returns a copy of every request seen so far.
func (l *Loopback) Sent() []Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Request, len(l.sent))
	copy(out, l.sent)
	return out
}

// SentOfType returns the recorded requests with the given type.
func (l *Loopback) SentOfType(kind RequestType) []Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Request
	for _, req := range l.sent {
		if req.Type == kind {
			out = append(out, req)
		}
	}
	return out
}

// Send records the request and synchronously delivers the host's answer.
func (l *Loopback) Send(_ context.Context, req Request) error {
	l.mu.Lock()
	l.sent = append(l.sent, req)
	deliver := l.deliver
	notReady := l.notReady
	l.mu.Unlock()

	if deliver == nil {
		return ErrBridgeNotReady
	}

	deliver(Response{ID: req.ID, Payload: l.answer(req, notReady)})
	return nil
}

func (l *Loopback) answer(req Request, notReady bool) json.RawMessage {
	switch req.Type {
	case RequestActiveChat:
		l.mu.Lock()
		active := l.active
		l.mu.Unlock()
		return marshal(active)

	case RequestGetChat:
		l.mu.Lock()
		chat, ok := l.chats[req.ChatID]
		l.mu.Unlock()
		if !ok {
			return marshal(nil)
		}
		return marshal(chat)

	case RequestSendText, RequestInsertText:
		if req.ChatID == "" || strings.TrimSpace(req.Text) == "" {
			return resultPayload(core.SendResult{OK: false, Error: "invalid-payload"})
		}
		if notReady {
			return resultPayload(core.SendResult{OK: false, Error: "bridge-not-ready"})
		}
		return resultPayload(core.SendResult{OK: true})

	case RequestSendFile:
		if req.ChatID == "" || len(req.File) == 0 {
			return resultPayload(core.SendResult{OK: false, Error: "invalid-payload"})
		}
		if notReady {
			return resultPayload(core.SendResult{OK: false, Error: "bridge-not-ready"})
		}
		return resultPayload(core.SendResult{OK: true})

	case RequestMarkComposing, RequestMarkRecording, RequestMarkPaused:
		return resultPayload(core.SendResult{OK: true})

	default:
		return resultPayload(core.SendResult{OK: false, Error: "unsupported-request"})
	}
}

func resultPayload(result core.SendResult) json.RawMessage {
	return marshal(result)
}

func marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
