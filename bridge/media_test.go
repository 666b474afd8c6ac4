package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

// scriptedStream replays a fixed frame sequence per attempt.
type scriptedStream struct {
	attempts int
	frames   func(attempt int) []StreamFrame
	err      error
}

func (s *scriptedStream) Fetch(_ context.Context, id string) (<-chan StreamFrame, error) {
	s.attempts++
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan StreamFrame, 16)
	for _, f := range s.frames(s.attempts) {
		f.ID = id
		ch <- f
	}
	close(ch)
	return ch, nil
}

type mapLocalStore map[string]core.MediaPayload

func (m mapLocalStore) Get(_ context.Context, id string) (core.MediaPayload, bool, error) {
	p, ok := m[id]
	return p, ok, nil
}

func fullFrames(int) []StreamFrame {
	return []StreamFrame{
		{Type: FrameMeta, MimeType: "image/png", FileName: "pic.png", TotalChunks: 3},
		{Type: FrameChunk, Index: 2, Data: []byte("cc")},
		{Type: FrameChunk, Index: 0, Data: []byte("aa")},
		{Type: FrameChunk, Index: 1, Data: []byte("bb")},
		{Type: FrameDone},
	}
}

func TestResolveReassemblesOutOfOrderChunks(t *testing.T) {
	r := NewMediaResolver(MediaResolverConfig{
		Stream:  &scriptedStream{frames: fullFrames},
		Backoff: time.Millisecond,
	})

	payload, err := r.Resolve(context.Background(), "media-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(payload.Data) != "aabbcc" {
		t.Errorf("data = %q, want aabbcc", payload.Data)
	}
	if payload.MimeType != "image/png" || payload.FileName != "pic.png" {
		t.Errorf("meta not carried over: %+v", payload)
	}
}

func TestResolveMissingChunkIsDistinctError(t *testing.T) {
	stream := &scriptedStream{frames: func(int) []StreamFrame {
		return []StreamFrame{
			{Type: FrameMeta, TotalChunks: 2},
			{Type: FrameChunk, Index: 0, Data: []byte("aa")},
			{Type: FrameDone},
		}
	}}
	r := NewMediaResolver(MediaResolverConfig{Stream: stream, Backoff: time.Millisecond})

	_, err := r.Resolve(context.Background(), "media-1")
	if !errors.Is(err, ErrMediaNotFound) {
		t.Fatalf("err = %v, want ErrMediaNotFound after all attempts", err)
	}
	if stream.attempts != 2 {
		t.Errorf("attempts = %d, want 2", stream.attempts)
	}
}

func TestResolveDuplicateEmptyChunkDoesNotComplete(t *testing.T) {
	stream := &scriptedStream{frames: func(int) []StreamFrame {
		return []StreamFrame{
			{Type: FrameMeta, TotalChunks: 2},
			{Type: FrameChunk, Index: 0},
			{Type: FrameChunk, Index: 0},
			{Type: FrameDone},
		}
	}}
	r := NewMediaResolver(MediaResolverConfig{Stream: stream, Backoff: time.Millisecond})

	_, err := r.Resolve(context.Background(), "media-1")
	if !errors.Is(err, ErrMediaNotFound) {
		t.Fatalf("err = %v, want ErrMediaNotFound with chunk 1 never delivered", err)
	}
}

func TestResolveEmptyChunksFillTheirSlots(t *testing.T) {
	stream := &scriptedStream{frames: func(int) []StreamFrame {
		return []StreamFrame{
			{Type: FrameMeta, TotalChunks: 2},
			{Type: FrameChunk, Index: 0},
			{Type: FrameChunk, Index: 1, Data: []byte("bb")},
			{Type: FrameDone},
		}
	}}
	r := NewMediaResolver(MediaResolverConfig{Stream: stream, Backoff: time.Millisecond})

	payload, err := r.Resolve(context.Background(), "media-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(payload.Data) != "bb" {
		t.Errorf("data = %q, want bb", payload.Data)
	}
}

func TestResolveRetriesThenSucceeds(t *testing.T) {
	stream := &scriptedStream{frames: func(attempt int) []StreamFrame {
		if attempt == 1 {
			return []StreamFrame{{Type: FrameError, Error: "connection reset"}}
		}
		return fullFrames(attempt)
	}}
	r := NewMediaResolver(MediaResolverConfig{Stream: stream, Backoff: time.Millisecond})

	payload, err := r.Resolve(context.Background(), "media-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(payload.Data) != "aabbcc" {
		t.Errorf("data = %q", payload.Data)
	}
	if stream.attempts != 2 {
		t.Errorf("attempts = %d, want 2", stream.attempts)
	}
}

func TestResolveFallsBackToLocalStore(t *testing.T) {
	stream := &scriptedStream{err: errors.New("channel down")}
	local := mapLocalStore{"media-1": {ID: "media-1", Data: []byte("local"), MimeType: "audio/ogg"}}
	r := NewMediaResolver(MediaResolverConfig{Stream: stream, Local: local, Backoff: time.Millisecond})

	payload, err := r.Resolve(context.Background(), "media-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(payload.Data) != "local" {
		t.Errorf("data = %q, want local copy", payload.Data)
	}
	if stream.attempts != 2 {
		t.Errorf("remote attempts = %d, want 2 before falling back", stream.attempts)
	}
}

func TestResolveBothLookupsMissing(t *testing.T) {
	stream := &scriptedStream{err: errors.New("channel down")}
	r := NewMediaResolver(MediaResolverConfig{Stream: stream, Local: mapLocalStore{}, Backoff: time.Millisecond})

	_, err := r.Resolve(context.Background(), "media-404")
	if !errors.Is(err, ErrMediaNotFound) {
		t.Fatalf("err = %v, want ErrMediaNotFound", err)
	}
}

func TestResolveChunkBeforeMeta(t *testing.T) {
	stream := &scriptedStream{frames: func(int) []StreamFrame {
		return []StreamFrame{{Type: FrameChunk, Index: 0, Data: []byte("aa")}}
	}}
	r := NewMediaResolver(MediaResolverConfig{Stream: stream, Backoff: time.Millisecond})
	if _, err := r.Resolve(context.Background(), "media-1"); !errors.Is(err, ErrMediaNotFound) {
		t.Fatalf("err = %v, want ErrMediaNotFound", err)
	}
}

func TestResolveEmptyID(t *testing.T) {
	r := NewMediaResolver(MediaResolverConfig{})
	if _, err := r.Resolve(context.Background(), ""); !errors.Is(err, ErrMediaNotFound) {
		t.Fatalf("err = %v, want ErrMediaNotFound", err)
	}
}
