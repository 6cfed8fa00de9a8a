package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrMissingBoundary      = errors.New("content type has no boundary parameter")
	ErrMissingSeparator     = errors.New("part has no header/body separator")
	ErrMissingContentLength = errors.New("part has no Content-Length header")
	ErrLengthMismatch       = errors.New("part Content-Length is not the frame size")
	ErrBodyLength           = errors.New("part body does not match Content-Length")
)

// TransportError ends a stream: a non-success status, a failed connection
// or a failed read.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ingest %s: HTTP status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("ingest %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is returned before any body read when the response cannot
// be demultiplexed at all.
type ProtocolError struct {
	ContentType string
	Err         error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ingest content type %q: %v", e.ContentType, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// FrameDecodeError describes a dropped part. The stream keeps going.
type FrameDecodeError struct {
	Reason        error
	ContentLength int
	BodyLength    int
}

func (e *FrameDecodeError) Error() string {
	switch e.Reason {
	case ErrLengthMismatch:
		return fmt.Sprintf("%v: %d", e.Reason, e.ContentLength)
	case ErrBodyLength:
		return fmt.Sprintf("%v: body %d, header %d", e.Reason, e.BodyLength, e.ContentLength)
	default:
		return e.Reason.Error()
	}
}

func (e *FrameDecodeError) Unwrap() error {
	return e.Reason
}
