package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

// Media errors.
var (
	ErrMediaNotFound = errors.New("media not found")
	ErrMissingChunk  = errors.New("incomplete media stream: missing chunk")
	ErrStreamClosed  = errors.New("media stream closed before done frame")
)

// FrameType labels a media stream frame.
type FrameType string

const (
	FrameMeta  FrameType = "meta"
	FrameChunk FrameType = "chunk"
	FrameDone  FrameType = "done"
	FrameError FrameType = "error"
)

// StreamFrame is one message on the streaming media channel. A fetch
// yields a meta frame declaring the chunk count, then chunk frames in
// any order, then done; an error frame may arrive at any point.
type StreamFrame struct {
	Type        FrameType `json:"type"`
	ID          string    `json:"id,omitempty"`
	MimeType    string    `json:"mimeType,omitempty"`
	FileName    string    `json:"fileName,omitempty"`
	TotalChunks int       `json:"totalChunks,omitempty"`
	Index       int       `json:"index,omitempty"`
	Data        []byte    `json:"data,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// MediaStream is the persistent named connection media bytes arrive on.
// Fetch requests the media with the given id; the returned channel is
// closed by the producer after the done or error frame.
type MediaStream interface {
	Fetch(ctx context.Context, id string) (<-chan StreamFrame, error)
}

// LocalStore is the fallback media lookup used when the remote stream
// cannot produce the bytes.
type LocalStore interface {
	Get(ctx context.Context, id string) (core.MediaPayload, bool, error)
}

const (
	mediaFetchAttempts = 2
	mediaFetchBackoff  = 500 * time.Millisecond
	mediaFetchTimeout  = 10 * time.Second
)

// MediaResolver resolves a step's opaque media reference: remote stream
// first, with bounded retry, then the local store.
type MediaResolver struct {
	stream  MediaStream
	local   LocalStore
	logger  *slog.Logger
	backoff time.Duration
	timeout time.Duration
}

// MediaResolverConfig configures a MediaResolver. Zero values fall back
// to defaults; Stream and Local may each be nil when that side is
// unavailable.
type MediaResolverConfig struct {
	Stream  MediaStream
	Local   LocalStore
	Logger  *slog.Logger
	Backoff time.Duration
	Timeout time.Duration
}

// NewMediaResolver creates a resolver from the given config.
func NewMediaResolver(cfg MediaResolverConfig) *MediaResolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = mediaFetchBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = mediaFetchTimeout
	}
	return &MediaResolver{
		stream:  cfg.Stream,
		local:   cfg.Local,
		logger:  cfg.Logger,
		backoff: cfg.Backoff,
		timeout: cfg.Timeout,
	}
}

// Resolve fetches the media payload for id. The remote stream is tried
// up to two attempts with a fixed backoff; only if both fail does the
// local store answer. Both failing yields ErrMediaNotFound.
func (r *MediaResolver) Resolve(ctx context.Context, id string) (core.MediaPayload, error) {
	if id == "" {
		return core.MediaPayload{}, fmt.Errorf("%w: empty media id", ErrMediaNotFound)
	}

	var lastErr error
	if r.stream != nil {
		for attempt := 1; attempt <= mediaFetchAttempts; attempt++ {
			payload, err := r.fetchRemote(ctx, id)
			if err == nil {
				return payload, nil
			}
			lastErr = err
			r.logger.Warn("remote media fetch failed",
				"id", id, "attempt", attempt, "error", err)
			if attempt < mediaFetchAttempts {
				select {
				case <-time.After(r.backoff):
				case <-ctx.Done():
					return core.MediaPayload{}, ctx.Err()
				}
			}
		}
	}

	if r.local != nil {
		payload, ok, err := r.local.Get(ctx, id)
		if err != nil {
			return core.MediaPayload{}, fmt.Errorf("local media lookup: %w", err)
		}
		if ok {
			return payload, nil
		}
	}

	if lastErr != nil {
		return core.MediaPayload{}, fmt.Errorf("%w: %s (remote: %v)", ErrMediaNotFound, id, lastErr)
	}
	return core.MediaPayload{}, fmt.Errorf("%w: %s", ErrMediaNotFound, id)
}

// fetchRemote reads one complete streamed payload. Chunks are buffered
// into a slot array sized by the meta frame, so out-of-order delivery
// is tolerated; completion requires every slot filled.
func (r *MediaResolver) fetchRemote(ctx context.Context, id string) (core.MediaPayload, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	frames, err := r.stream.Fetch(fetchCtx, id)
	if err != nil {
		return core.MediaPayload{}, fmt.Errorf("opening media stream: %w", err)
	}

	payload := core.MediaPayload{ID: id}
	var slots [][]byte
	var seen []bool
	filled := 0
	sawMeta := false

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return core.MediaPayload{}, ErrStreamClosed
			}
			switch frame.Type {
			case FrameMeta:
				if frame.TotalChunks < 0 {
					return core.MediaPayload{}, fmt.Errorf("%w: negative chunk count", ErrInvalidPayload)
				}
				slots = make([][]byte, frame.TotalChunks)
				seen = make([]bool, frame.TotalChunks)
				payload.MimeType = frame.MimeType
				payload.FileName = frame.FileName
				sawMeta = true

			case FrameChunk:
				if !sawMeta {
					return core.MediaPayload{}, fmt.Errorf("%w: chunk before meta", ErrInvalidPayload)
				}
				if frame.Index < 0 || frame.Index >= len(slots) {
					return core.MediaPayload{}, fmt.Errorf("%w: chunk index %d out of range", ErrInvalidPayload, frame.Index)
				}
				// Fill state is tracked apart from the data: an empty
				// chunk still occupies its slot exactly once.
				if !seen[frame.Index] {
					seen[frame.Index] = true
					filled++
				}
				slots[frame.Index] = frame.Data

			case FrameDone:
				if !sawMeta {
					return core.MediaPayload{}, fmt.Errorf("%w: done before meta", ErrInvalidPayload)
				}
				if filled != len(slots) {
					return core.MediaPayload{}, fmt.Errorf("%w: %d of %d received", ErrMissingChunk, filled, len(slots))
				}
				payload.Data = concatChunks(slots)
				return payload, nil

			case FrameError:
				return core.MediaPayload{}, fmt.Errorf("media stream error: %s", frame.Error)

			default:
				return core.MediaPayload{}, fmt.Errorf("%w: unknown frame type %q", ErrInvalidPayload, frame.Type)
			}

		case <-fetchCtx.Done():
			return core.MediaPayload{}, fmt.Errorf("%w: media stream for %s", ErrTimeout, id)
		}
	}
}

func concatChunks(slots [][]byte) []byte {
	var buf bytes.Buffer
	for _, chunk := range slots {
		buf.Write(chunk)
	}
	return buf.Bytes()
}
