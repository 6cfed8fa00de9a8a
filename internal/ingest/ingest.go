package ingest

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"thermal-panel-go/internal/types"
)

// Recorder receives every frame before it is handed downstream.
type Recorder interface {
	Record(frame types.Frame) error
}

type Options struct {
	// Client defaults to a client without timeout; streams never end on
	// their own.
	Client *http.Client
	// Expected is the body size of a valid part, FramePayloadSize if zero.
	Expected int
	// LogEvery throttles dropped-part logging to every Nth occurrence.
	LogEvery int
	Recorder Recorder
	// Buffer is how many frames may be queued ahead of the consumer.
	Buffer int
}

func (o Options) withDefaults() Options {
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.Expected <= 0 {
		o.Expected = FramePayloadSize
	}
	if o.LogEvery < 1 {
		o.LogEvery = 1
	}
	if o.Buffer < 1 {
		o.Buffer = 4
	}
	return o
}

var (
	decodeFailures atomic.Uint64
	badTrailers    atomic.Uint64
	decodeCount    atomic.Uint64
	decodeNanos    atomic.Uint64
	logCounter     atomic.Uint64
)

// DecodeFailures is the number of dropped parts since process start.
func DecodeFailures() uint64 {
	return decodeFailures.Load()
}

// BadTrailers counts delivered parts whose trimmed trailer was not CRLF.
func BadTrailers() uint64 {
	return badTrailers.Load()
}

// DecodeTiming returns how many reads were demultiplexed and the time spent.
func DecodeTiming() (uint64, uint64) {
	return decodeCount.Load(), decodeNanos.Load()
}

// FrameStream is one open connection to a multipart thermal stream.
type FrameStream struct {
	ID     string
	URL    string
	frames chan types.Frame
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Open connects to url and starts demultiplexing its body. A non-success
// status is returned as a TransportError and a content type without
// boundary as a ProtocolError, both before any body byte is read.
// Cancelling ctx before or during connection setup is not an error: Open
// then returns an ended stream whose Frames channel is already closed and
// whose Err is nil.
func Open(ctx context.Context, url string, opts Options) (*FrameStream, error) {
	opts = opts.withDefaults()
	streamCtx, cancel := context.WithCancel(ctx)
	if ctx.Err() != nil {
		return endedStream(url, cancel), nil
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, &TransportError{URL: url, Err: err}
	}
	resp, err := opts.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return endedStream(url, cancel), nil
		}
		cancel()
		return nil, &TransportError{URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		_ = resp.Body.Close()
		cancel()
		return nil, &TransportError{URL: url, StatusCode: resp.StatusCode}
	}
	boundary, err := ParseBoundary(resp.Header.Get("Content-Type"))
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, err
	}

	s := &FrameStream{
		ID:     uuid.NewString(),
		URL:    url,
		frames: make(chan types.Frame),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	log.Printf("ingest stream %s opened %s (boundary %q)", s.ID, url, boundary)
	go s.run(streamCtx, resp.Body, NewDemuxer(boundary, opts.Expected), opts)
	return s, nil
}

func endedStream(url string, cancel context.CancelFunc) *FrameStream {
	cancel()
	s := &FrameStream{
		ID:     uuid.NewString(),
		URL:    url,
		frames: make(chan types.Frame),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	close(s.frames)
	close(s.done)
	return s
}

// Frames yields complete frames until the stream ends. Check Err after the
// channel is closed. Once the stream is cancelled no further frame is
// delivered, including frames read before the cancel.
func (s *FrameStream) Frames() <-chan types.Frame {
	return s.frames
}

// Err reports why the stream ended: nil after end of body or cancellation,
// a *TransportError after a failed read. Only valid once Frames is closed.
func (s *FrameStream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the stream has ended and returns Err.
func (s *FrameStream) Wait() error {
	<-s.done
	return s.err
}

// Close cancels the stream and waits for its reader to exit. The frame
// channel is drained so the reader never blocks on a send.
func (s *FrameStream) Close() {
	s.cancel()
	for range s.frames {
	}
	<-s.done
}

var errStopped = errors.New("stream stopped")

// run hands frames from the reader to the consumer. Frames still queued
// when ctx is cancelled are dropped.
func (s *FrameStream) run(ctx context.Context, body io.ReadCloser, d *Demuxer, opts Options) {
	defer close(s.done)
	defer close(s.frames)
	defer s.cancel()

	queue := make(chan types.Frame, opts.Buffer)
	go s.read(ctx, body, d, opts, queue)

	var dropped int
	for frame := range queue {
		if ctx.Err() != nil {
			dropped++
			continue
		}
		select {
		case <-ctx.Done():
			dropped++
		case s.frames <- frame:
		}
	}
	if dropped > 0 {
		log.Printf("ingest stream %s dropped %d queued frames after cancel", s.ID, dropped)
	}
}

// read owns the body. s.err is set before queue is closed.
func (s *FrameStream) read(ctx context.Context, body io.ReadCloser, d *Demuxer, opts Options, queue chan<- types.Frame) {
	defer close(queue)
	defer body.Close()

	var seq uint64
	err := ReadFrames(ctx, body, d, func(part Part) error {
		if part.Err != nil {
			decodeFailures.Add(1)
			logEveryN(opts.LogEvery, "ingest stream %s dropped part: %v", s.ID, part.Err)
			return nil
		}
		if part.BadTrailer {
			badTrailers.Add(1)
		}
		seq++
		frame := types.Frame{
			Seq:        seq,
			StreamID:   s.ID,
			DeviceTime: part.DeviceTime,
			ReceivedAt: float64(time.Now().UnixNano()) / 1e9,
			Payload:    part.Payload,
		}
		if opts.Recorder != nil {
			if err := opts.Recorder.Record(frame); err != nil {
				logEveryN(opts.LogEvery, "ingest record failed: %v", err)
			}
		}
		select {
		case <-ctx.Done():
			return errStopped
		case queue <- frame:
			return nil
		}
	})
	switch {
	case errors.Is(err, errStopped), err == nil && ctx.Err() != nil:
		log.Printf("ingest stream %s cancelled after %d frames", s.ID, seq)
	case err == nil:
		log.Printf("ingest stream %s closed after %d frames", s.ID, seq)
	default:
		s.err = &TransportError{URL: s.URL, Err: err}
		log.Printf("ingest stream %s failed: %v", s.ID, err)
	}
}

// ReadFrames feeds r through d and calls fn for every completed part. It
// returns nil at end of input or once ctx is cancelled; bytes after the
// last boundary are discarded. Read errors and errors from fn are
// returned unchanged.
func ReadFrames(ctx context.Context, r io.Reader, d *Demuxer, fn func(Part) error) error {
	defer d.Reset()
	buf := make([]byte, 16*1024)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			start := time.Now()
			parts := d.Consume(buf[:n])
			decodeCount.Add(1)
			decodeNanos.Add(uint64(time.Since(start).Nanoseconds()))
			for _, part := range parts {
				if ctx.Err() != nil {
					return nil
				}
				if err := fn(part); err != nil {
					return err
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Fetch performs a single request and returns the whole body, for the
// one-shot capture endpoint.
func Fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{URL: url, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	return body, nil
}

func logEveryN(n int, format string, args ...any) {
	if logCounter.Add(1)%uint64(n) == 0 {
		log.Printf(format, args...)
	}
}
