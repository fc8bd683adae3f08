package memory

import (
	"context"
	"testing"
)

func TestPublisherRecordsEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "capture.completed", map[string]string{"run_id": "r1"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "capture.failed", "payload")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	all := pub.Events()
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}
	completed := pub.Events("capture.completed")
	if len(completed) != 1 || completed[0].Name != "capture.completed" {
		t.Fatalf("filter returned %+v", completed)
	}

	all[0].Name = "modified"
	if pub.Events()[0].Name == "modified" {
		t.Fatal("expected Events() to return a copy")
	}
}
