package ingest

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"thermal-panel-go/internal/types"
)

// Follow keeps a stream open until ctx is done, reconnecting delay after
// every failure or end of body, and calls handle for each frame in
// order. handle is never called once ctx is done. onError, if set, sees
// every TransportError and ProtocolError.
func Follow(ctx context.Context, url string, opts Options, delay time.Duration, handle func(types.Frame), onError func(error)) {
	if delay <= 0 {
		delay = time.Second
	}
	for {
		stream, err := Open(ctx, url, opts)
		if err == nil {
			for frame := range stream.Frames() {
				if ctx.Err() != nil {
					break
				}
				handle(frame)
			}
			stream.Close()
			err = stream.Err()
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				log.Printf("ingest protocol error: %v", err)
			} else {
				log.Printf("ingest transport error: %v", err)
			}
			if onError != nil {
				onError(err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Session runs at most one stream loop at a time. Start cancels and waits
// for the previous loop before launching the next one.
type Session struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Session) Start(parent context.Context, run func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go func() {
		defer close(done)
		run(ctx)
	}()
}

// Stop cancels the running loop, if any, and waits for it to return.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Session) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}
