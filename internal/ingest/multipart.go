package ingest

import (
	"bytes"
	"mime"
	"strconv"
	"strings"
)

// FramePayloadSize is the body size of one 32x24 float32 thermal frame.
const FramePayloadSize = 32 * 24 * 4

var (
	headerSeparator = []byte("\r\n\r\n")
	crlf            = []byte("\r\n")
)

// Part is the outcome of one boundary-delimited chunk: either a complete
// payload or the reason it was dropped.
type Part struct {
	Payload    []byte
	DeviceTime float64
	// BadTrailer is set when the two trimmed body bytes were not "\r\n".
	// The payload is still delivered.
	BadTrailer bool
	Err        error
}

// ParseBoundary extracts the boundary token from a multipart content type.
func ParseBoundary(contentType string) (string, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err == nil && params["boundary"] != "" {
		return params["boundary"], nil
	}
	// Some firmwares send values mime rejects; fall back to a plain scan.
	lower := strings.ToLower(contentType)
	i := strings.Index(lower, "boundary=")
	if i < 0 {
		return "", &ProtocolError{ContentType: contentType, Err: ErrMissingBoundary}
	}
	token := contentType[i+len("boundary="):]
	if j := strings.IndexByte(token, ';'); j >= 0 {
		token = token[:j]
	}
	token = strings.Trim(strings.TrimSpace(token), `"`)
	if token == "" {
		return "", &ProtocolError{ContentType: contentType, Err: ErrMissingBoundary}
	}
	return token, nil
}

// Demuxer splits a multipart/x-mixed-replace byte stream into frame
// payloads. It is not safe for concurrent use.
type Demuxer struct {
	marker   []byte
	expected int
	buf      Buffer
}

// NewDemuxer returns a demuxer for parts delimited by "--boundary\r\n"
// whose bodies must be exactly expected bytes long.
func NewDemuxer(boundary string, expected int) *Demuxer {
	return &Demuxer{
		marker:   []byte("--" + boundary + "\r\n"),
		expected: expected,
	}
}

// Consume appends p and returns one Part for every chunk completed by a
// boundary marker. Bytes after the last marker stay buffered.
func (d *Demuxer) Consume(p []byte) []Part {
	d.buf.Append(p)
	var parts []Part
	for {
		i := d.buf.Index(d.marker)
		if i < 0 {
			return parts
		}
		chunk := d.buf.Cut(i, len(d.marker))
		if isPreamble(chunk) {
			continue
		}
		parts = append(parts, parseChunk(chunk, d.expected))
	}
}

// Pending is the number of buffered bytes not yet closed by a boundary.
func (d *Demuxer) Pending() int {
	return d.buf.Len()
}

// Reset drops buffered bytes, e.g. the unterminated tail at end of stream.
func (d *Demuxer) Reset() {
	d.buf.Reset()
}

// The device writes "\r\n--boundary\r\n" before every part, so the stream
// opens with a bare line break ahead of the first marker.
func isPreamble(chunk []byte) bool {
	return len(bytes.TrimSpace(chunk)) == 0
}

func parseChunk(chunk []byte, expected int) Part {
	sep := bytes.Index(chunk, headerSeparator)
	if sep < 0 {
		return Part{Err: &FrameDecodeError{Reason: ErrMissingSeparator}}
	}
	contentLength, deviceTime, ok := parseHeaders(chunk[:sep])
	if !ok {
		return Part{Err: &FrameDecodeError{Reason: ErrMissingContentLength}}
	}
	if contentLength != expected {
		return Part{Err: &FrameDecodeError{Reason: ErrLengthMismatch, ContentLength: contentLength}}
	}

	// The two bytes ahead of the next marker are the "\r\n" that opens it.
	body := chunk[sep+len(headerSeparator):]
	badTrailer := true
	if len(body) >= 2 {
		badTrailer = !bytes.HasSuffix(body, crlf)
		body = body[:len(body)-2]
	}
	if len(body) != contentLength {
		return Part{Err: &FrameDecodeError{
			Reason:        ErrBodyLength,
			ContentLength: contentLength,
			BodyLength:    len(body),
		}}
	}
	return Part{Payload: body, DeviceTime: deviceTime, BadTrailer: badTrailer}
}

func parseHeaders(block []byte) (int, float64, bool) {
	contentLength := -1
	var deviceTime float64
	for _, line := range strings.Split(string(block), "\r\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch {
		case strings.EqualFold(key, "Content-Length"):
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return 0, 0, false
			}
			contentLength = n
		case strings.EqualFold(key, "X-Timestamp"):
			if ts, err := strconv.ParseFloat(value, 64); err == nil {
				deviceTime = ts
			}
		}
	}
	return contentLength, deviceTime, contentLength >= 0
}
