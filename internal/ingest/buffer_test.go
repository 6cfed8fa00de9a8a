package ingest

import (
	"bytes"
	"testing"
)

func TestBufferIndexAcrossAppends(t *testing.T) {
	var b Buffer
	needle := []byte("--frame\r\n")
	b.Append([]byte("abc--fr"))
	if i := b.Index(needle); i != -1 {
		t.Fatalf("found needle early at %d", i)
	}
	b.Append([]byte("ame"))
	if i := b.Index(needle); i != -1 {
		t.Fatalf("found needle early at %d", i)
	}
	b.Append([]byte("\r\nrest"))
	if i := b.Index(needle); i != 3 {
		t.Fatalf("Index = %d, want 3", i)
	}
}

func TestBufferCut(t *testing.T) {
	var b Buffer
	b.Append([]byte("headSEPtail"))
	i := b.Index([]byte("SEP"))
	head := b.Cut(i, 3)
	if string(head) != "head" {
		t.Fatalf("head = %q", head)
	}
	if string(b.Bytes()) != "tail" {
		t.Fatalf("remaining = %q", b.Bytes())
	}
	b.Append([]byte("SEP"))
	if i := b.Index([]byte("SEP")); i != 4 {
		t.Fatalf("Index after cut = %d", i)
	}
	head[0] = 'X'
	if !bytes.Equal(b.Bytes()[:4], []byte("tail")) {
		t.Fatalf("Cut result aliases the buffer")
	}
}

func TestBufferReset(t *testing.T) {
	var b Buffer
	b.Append([]byte("partial"))
	b.Index([]byte("zzz"))
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("Len after reset = %d", b.Len())
	}
	b.Append([]byte("zzz"))
	if i := b.Index([]byte("zzz")); i != 0 {
		t.Fatalf("Index after reset = %d", i)
	}
}
