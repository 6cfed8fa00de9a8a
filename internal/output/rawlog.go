package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"thermal-panel-go/internal/types"
)

const rawLogMagic = "MLXRAW01"

// maxRecordSize bounds a single record body when reading.
const maxRecordSize = 1 << 20

// RawLogWriter appends every received frame to a file: the magic, then per
// frame a 12-byte header (unix nanoseconds, body length) and a CBOR body.
type RawLogWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

func NewRawLogWriter(outputDir string, prefix string) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 256*1024)
	if _, err := w.WriteString(rawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &RawLogWriter{
		f:    f,
		w:    w,
		path: filename,
	}, nil
}

func (r *RawLogWriter) Path() string {
	return r.path
}

// Record implements ingest.Recorder.
func (r *RawLogWriter) Record(frame types.Frame) error {
	body, err := EncodeFrameCBOR(frame, nil)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("raw log writer is closed")
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(body)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(body); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

// RawRecord is one entry of a raw log.
type RawRecord struct {
	WrittenAt time.Time
	Frame     types.Frame
}

// RawLogReader iterates the records of a raw log.
type RawLogReader struct {
	r *bufio.Reader
}

// NewRawLogReader checks the magic and positions r at the first record.
func NewRawLogReader(r io.Reader) (*RawLogReader, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(rawLogMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != rawLogMagic {
		return nil, fmt.Errorf("invalid raw log magic %q", magic)
	}
	return &RawLogReader{r: br}, nil
}

// Next returns io.EOF after the last complete record. A truncated final
// record yields io.ErrUnexpectedEOF.
func (l *RawLogReader) Next() (RawRecord, error) {
	var header [12]byte
	if _, err := io.ReadFull(l.r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return RawRecord{}, io.EOF
		}
		return RawRecord{}, err
	}
	ts := binary.LittleEndian.Uint64(header[:8])
	size := binary.LittleEndian.Uint32(header[8:12])
	if size > maxRecordSize {
		return RawRecord{}, fmt.Errorf("record size %d exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(l.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return RawRecord{}, err
	}
	frame, err := DecodeFrameCBOR(body)
	if err != nil {
		return RawRecord{}, fmt.Errorf("decode record: %w", err)
	}
	return RawRecord{WrittenAt: time.Unix(0, int64(ts)), Frame: frame}, nil
}
