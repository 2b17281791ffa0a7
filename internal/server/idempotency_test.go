package server

import (
	"bytes"
	"testing"
	"time"
)

func TestIdempotencyReplaySameBytes(t *testing.T) {
	c := NewIdempotencyCache()
	result := []byte(`{"task":{"id":"TASK-1"}}`)

	c.Put("sess-1", "tasks", "create", "key-1", result)
	got, hit := c.Get("sess-1", "tasks", "create", "key-1")
	if !hit || !bytes.Equal(got, result) {
		t.Errorf("replay %q hit=%v", got, hit)
	}

	// Different session, method, or key misses.
	if _, hit := c.Get("sess-2", "tasks", "create", "key-1"); hit {
		t.Error("replay leaked across sessions")
	}
	if _, hit := c.Get("sess-1", "tasks", "move", "key-1"); hit {
		t.Error("replay leaked across methods")
	}
	if _, hit := c.Get("sess-1", "tasks", "create", "key-2"); hit {
		t.Error("replay leaked across keys")
	}
}

func TestIdempotencyIgnoresEmptyKey(t *testing.T) {
	c := NewIdempotencyCache()
	c.Put("sess-1", "tasks", "create", "", []byte("x"))
	if _, hit := c.Get("sess-1", "tasks", "create", ""); hit {
		t.Error("empty key cached")
	}
}

func TestIdempotencyExpires(t *testing.T) {
	c := NewIdempotencyCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("sess-1", "tasks", "create", "key-1", []byte("x"))
	if _, hit := c.Get("sess-1", "tasks", "create", "key-1"); !hit {
		t.Fatal("fresh entry missed")
	}

	now = now.Add(idempotencyTTL + time.Second)
	if _, hit := c.Get("sess-1", "tasks", "create", "key-1"); hit {
		t.Error("expired entry replayed")
	}

	// Writes sweep out the dead entries.
	c.Put("sess-1", "tasks", "create", "key-1", []byte("x"))
	now = now.Add(idempotencyTTL + time.Second)
	c.Put("sess-1", "tasks", "move", "key-2", []byte("y"))
	if len(c.entries) != 1 {
		t.Errorf("%d entries after sweep", len(c.entries))
	}
}
