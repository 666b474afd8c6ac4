// Package bridge implements the request/response correlation protocol used
// to drive the host-side messaging bridge. Every outgoing request carries a
// freshly generated correlation id; the client keeps a table of outstanding
// calls and resolves each one on whichever comes first, the matching
// response or the per-call timeout.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

// Bridge errors.
var (
	ErrTimeout        = errors.New("timeout")
	ErrBridgeNotReady = errors.New("bridge-not-ready")
	ErrInvalidPayload = errors.New("invalid-payload")
	ErrEmptyResponse  = errors.New("empty-response")
)

// RequestType identifies a bridge operation.
type RequestType string

const (
	RequestActiveChat    RequestType = "active-chat"
	RequestGetChat       RequestType = "get-chat"
	RequestInsertText    RequestType = "insert-text"
	RequestSendText      RequestType = "send-text"
	RequestSendFile      RequestType = "send-file"
	RequestMarkComposing RequestType = "mark-composing"
	RequestMarkRecording RequestType = "mark-recording"
	RequestMarkPaused    RequestType = "mark-paused"
)

// Request is one correlated message to the bridge.
type Request struct {
	ID      string         `json:"id"`
	Type    RequestType    `json:"type"`
	ChatID  string         `json:"chatId,omitempty"`
	Text    string         `json:"text,omitempty"`
	File    []byte         `json:"file,omitempty"`
	Name    string         `json:"filename,omitempty"`
	Caption string         `json:"caption,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// Response is the bridge's reply, matched to a Request by id.
type Response struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// ChatInfo describes a chat returned by lookup requests.
type ChatInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// FileKind is the content class the bridge should send a file as.
type FileKind string

const (
	FileKindDocument FileKind = "document"
	FileKindImage    FileKind = "image"
	FileKindVideo    FileKind = "video"
	FileKindAudio    FileKind = "audio"
)

// FileOptions controls a send-file dispatch.
type FileOptions struct {
	Kind     FileKind
	IsPTT    bool
	IsPTV    bool
	Caption  string
	FileName string
}

func (o FileOptions) asMap() map[string]any {
	m := map[string]any{"type": string(o.Kind)}
	if o.IsPTT {
		m["isPtt"] = true
	}
	if o.IsPTV {
		m["isPtv"] = true
	}
	return m
}

// Timeouts holds the per-call-type deadlines. Lookups are short, text
// sends longer, video file sends longest.
type Timeouts struct {
	Lookup   time.Duration
	SendText time.Duration
	SendFile time.Duration
	Video    time.Duration
	Presence time.Duration
}

// DefaultTimeouts returns the standard bridge deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Lookup:   5 * time.Second,
		SendText: 15 * time.Second,
		SendFile: 20 * time.Second,
		Video:    30 * time.Second,
		Presence: 5 * time.Second,
	}
}

// Transport carries requests to the host bridge. Responses come back
// asynchronously through Client.Deliver.
type Transport interface {
	Send(ctx context.Context, req Request) error
}

// Client correlates bridge requests with their responses.
// It is safe for concurrent use.
type Client struct {
	transport Transport
	timeouts  Timeouts
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Response
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTimeouts overrides the default per-call deadlines.
func WithTimeouts(t Timeouts) ClientOption {
	return func(c *Client) { c.timeouts = t }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a bridge client over the given transport.
func NewClient(transport Transport, opts ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, errors.New("bridge transport is nil")
	}
	c := &Client{
		transport: transport,
		timeouts:  DefaultTimeouts(),
		logger:    slog.Default(),
		pending:   make(map[string]chan Response),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Timeouts returns the client's per-call deadlines.
func (c *Client) Timeouts() Timeouts {
	return c.timeouts
}

// Deliver hands a response to the waiting caller. Delivery is one-shot:
// the pending entry is removed before the response is forwarded, and
// responses with no pending call are dropped. It reports whether a
// caller was still waiting.
func (c *Client) Deliver(resp Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping uncorrelated bridge response", "id", resp.ID)
		return false
	}
	ch <- resp
	return true
}

func (c *Client) register(id string) chan Response {
	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// call sends one request and waits for its response or the timeout.
func (c *Client) call(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	req.ID = newRequestID()
	ch := c.register(req.ID)

	if err := c.transport.Send(ctx, req); err != nil {
		c.unregister(req.ID)
		return Response{}, fmt.Errorf("%w: %v", ErrBridgeNotReady, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.unregister(req.ID)
		return Response{}, fmt.Errorf("%w: %s after %s", ErrTimeout, req.Type, timeout)
	case <-ctx.Done():
		c.unregister(req.ID)
		return Response{}, ctx.Err()
	}
}

func (c *Client) callForResult(ctx context.Context, req Request, timeout time.Duration) (core.SendResult, error) {
	resp, err := c.call(ctx, req, timeout)
	if err != nil {
		return core.SendResult{}, err
	}
	if len(resp.Payload) == 0 || string(resp.Payload) == "null" {
		return core.SendResult{}, ErrEmptyResponse
	}
	var result core.SendResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return core.SendResult{}, fmt.Errorf("decoding %s response: %w", req.Type, err)
	}
	return result, nil
}

// ActiveChat returns the chat currently open on the host, or nil.
func (c *Client) ActiveChat(ctx context.Context) (*ChatInfo, error) {
	resp, err := c.call(ctx, Request{Type: RequestActiveChat}, c.timeouts.Lookup)
	if err != nil {
		return nil, err
	}
	return decodeChat(resp.Payload)
}

// GetChat looks up a chat by id, or returns nil when unknown.
func (c *Client) GetChat(ctx context.Context, chatID string) (*ChatInfo, error) {
	resp, err := c.call(ctx, Request{Type: RequestGetChat, ChatID: chatID}, c.timeouts.Lookup)
	if err != nil {
		return nil, err
	}
	return decodeChat(resp.Payload)
}

func decodeChat(payload json.RawMessage) (*ChatInfo, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}
	var chat ChatInfo
	if err := json.Unmarshal(payload, &chat); err != nil {
		return nil, fmt.Errorf("decoding chat: %w", err)
	}
	return &chat, nil
}

// SendText dispatches a text message to the chat.
func (c *Client) SendText(ctx context.Context, chatID, text string) (core.SendResult, error) {
	req := Request{Type: RequestSendText, ChatID: chatID, Text: text}
	return c.callForResult(ctx, req, c.timeouts.SendText)
}

// InsertText types text into the chat's input box without sending it.
func (c *Client) InsertText(ctx context.Context, chatID, text string) (core.SendResult, error) {
	req := Request{Type: RequestInsertText, ChatID: chatID, Text: text}
	return c.callForResult(ctx, req, c.timeouts.SendText)
}

// SendFile dispatches a media payload. Video sends get the longest
// deadline.
func (c *Client) SendFile(ctx context.Context, chatID string, media core.MediaPayload, opts FileOptions) (core.SendResult, error) {
	timeout := c.timeouts.SendFile
	if opts.Kind == FileKindVideo {
		timeout = c.timeouts.Video
	}
	name := opts.FileName
	if name == "" {
		name = media.FileName
	}
	req := Request{
		Type:    RequestSendFile,
		ChatID:  chatID,
		File:    media.Data,
		Name:    name,
		Caption: opts.Caption,
		Options: opts.asMap(),
	}
	return c.callForResult(ctx, req, timeout)
}

// MarkComposing shows the "typing" indicator for up to durationMs.
func (c *Client) MarkComposing(ctx context.Context, chatID string, durationMs int) error {
	return c.mark(ctx, RequestMarkComposing, chatID, durationMs)
}

// MarkRecording shows the "recording audio" indicator for up to durationMs.
func (c *Client) MarkRecording(ctx context.Context, chatID string, durationMs int) error {
	return c.mark(ctx, RequestMarkRecording, chatID, durationMs)
}

// MarkPaused clears any presence indicator.
func (c *Client) MarkPaused(ctx context.Context, chatID string) error {
	return c.mark(ctx, RequestMarkPaused, chatID, 0)
}

func (c *Client) mark(ctx context.Context, kind RequestType, chatID string, durationMs int) error {
	req := Request{Type: kind, ChatID: chatID}
	if durationMs > 0 {
		req.Options = map[string]any{"duration": durationMs}
	}
	result, err := c.callForResult(ctx, req, c.timeouts.Presence)
	if err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("%s failed: %s", kind, result.Error)
	}
	return nil
}

func newRequestID() string {
	return "zop-" + uuid.NewString()
}
