package dedup

import "testing"

func TestCacheQueueAppendAndCached(t *testing.T) {
	q := NewCacheQueue(4)
	q.Append(5, []byte("mac-a"))

	if !q.Cached(5, []byte("mac-a")) {
		t.Fatal("expected serial 5 to be cached with mac-a")
	}
	if q.Cached(5, []byte("mac-b")) {
		t.Fatal("different mac for the same serial must not be cached")
	}
	if q.Cached(6, []byte("mac-a")) {
		t.Fatal("unrelated serial must not be cached")
	}
}

func TestCacheQueueOverwriteOnWrap(t *testing.T) {
	q := NewCacheQueue(2)
	q.Append(0, []byte("first"))
	if !q.Cached(0, []byte("first")) {
		t.Fatal("expected first entry to be cached")
	}

	// A wrap reuses the same serial slot; the new mac replaces the old one.
	q.Append(0, []byte("second"))
	if q.Cached(0, []byte("first")) {
		t.Fatal("stale mac from before the wrap must no longer be cached")
	}
	if !q.Cached(0, []byte("second")) {
		t.Fatal("expected the post-wrap mac to be cached")
	}
}
