package ingest

import "bytes"

// Buffer holds stream bytes that have not been parsed yet. It remembers
// how far a failed search got so that repeated searches after small
// appends do not rescan the whole buffer.
type Buffer struct {
	data     []byte
	scanFrom int
}

func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

func (b *Buffer) Len() int {
	return len(b.data)
}

func (b *Buffer) Bytes() []byte {
	return b.data
}

// Index returns the offset of the first occurrence of needle, or -1. A
// needle that straddles earlier appends is still found because the search
// resumes len(needle)-1 bytes before the previous end.
func (b *Buffer) Index(needle []byte) int {
	if len(needle) == 0 {
		return -1
	}
	if i := bytes.Index(b.data[b.scanFrom:], needle); i >= 0 {
		return b.scanFrom + i
	}
	if next := len(b.data) - len(needle) + 1; next > b.scanFrom {
		b.scanFrom = next
	}
	return -1
}

// Cut removes everything up to and including the sep bytes that start at
// offset i and returns a copy of the part before them.
func (b *Buffer) Cut(i, sepLen int) []byte {
	head := make([]byte, i)
	copy(head, b.data[:i])
	n := copy(b.data, b.data[i+sepLen:])
	b.data = b.data[:n]
	b.scanFrom = 0
	return head
}

func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.scanFrom = 0
}
