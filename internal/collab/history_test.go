package collab

import (
	"fmt"
	"testing"
)

func TestHistoryAppendAndRecent(t *testing.T) {
	b := NewHistoryBuffer(5)

	b.Append([]byte("one"))
	b.Append([]byte("two"))
	b.Append([]byte("three"))

	msgs := b.Recent(0)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"one", "two", "three"} {
		if string(msgs[i]) != want {
			t.Errorf("index %d: expected %q, got %q", i, want, msgs[i])
		}
	}
}

func TestHistoryWraparound(t *testing.T) {
	b := NewHistoryBuffer(5)

	// Seven appends into a buffer of five: the oldest two are unrecoverable.
	for i := 1; i <= 7; i++ {
		b.Append([]byte(fmt.Sprintf("msg-%d", i)))
	}

	if b.Len() != 5 {
		t.Fatalf("expected len 5, got %d", b.Len())
	}

	msgs := b.Recent(5)
	for i, msg := range msgs {
		want := fmt.Sprintf("msg-%d", i+3)
		if string(msg) != want {
			t.Errorf("index %d: expected %q, got %q", i, want, msg)
		}
	}
}

func TestHistoryRecentLimit(t *testing.T) {
	b := NewHistoryBuffer(10)

	for i := 1; i <= 6; i++ {
		b.Append([]byte(fmt.Sprintf("msg-%d", i)))
	}

	msgs := b.Recent(2)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	// The limit window ends at the newest message.
	if string(msgs[0]) != "msg-5" || string(msgs[1]) != "msg-6" {
		t.Errorf("expected the 2 newest in order, got %q, %q", msgs[0], msgs[1])
	}
}

func TestHistoryEmpty(t *testing.T) {
	b := NewHistoryBuffer(5)

	if msgs := b.Recent(10); len(msgs) != 0 {
		t.Fatalf("expected empty, got %d", len(msgs))
	}
	if b.Len() != 0 {
		t.Fatalf("expected len 0, got %d", b.Len())
	}
}

func TestHistoryDefaultCapacity(t *testing.T) {
	b := NewHistoryBuffer(0)

	for i := 0; i < DefaultHistorySize+10; i++ {
		b.Append([]byte{byte(i)})
	}
	if b.Len() != DefaultHistorySize {
		t.Fatalf("expected len capped at %d, got %d", DefaultHistorySize, b.Len())
	}
}
