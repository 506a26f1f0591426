package dedup

import (
	"testing"
	"time"
)

func TestCache_FirstSeenThenDuplicate(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Close()

	if c.Seen("e1") {
		t.Error("first sighting must not be a duplicate")
	}
	if !c.Seen("e1") {
		t.Error("second sighting must be a duplicate")
	}
	if c.Seen("e2") {
		t.Error("distinct id must not be a duplicate")
	}
}

func TestCache_ExpiredEntryForgotten(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	defer c.Close()

	if c.Seen("e1") {
		t.Fatal("first sighting must not be a duplicate")
	}
	time.Sleep(25 * time.Millisecond)
	if c.Seen("e1") {
		t.Error("expired entry should be treated as unseen")
	}
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := NewCache(time.Minute)
	c.Close()
	c.Close()
}
