package message

import (
	"testing"
	"time"
)

func TestPendingStatusesKeepFurthestStatus(t *testing.T) {
	t.Parallel()
	p := newPendingStatuses(time.Minute)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	p.hold("5511999990000", "P1", StatusRead, now, now)
	p.hold("5511999990000", "P1", StatusSent, now, now)
	got, ok := p.take("5511999990000", "P1", now)
	if !ok || got.status != StatusRead {
		t.Fatalf("expected read to be kept, got %+v ok=%v", got, ok)
	}
	if _, ok := p.take("5511999990000", "P1", now); ok {
		t.Fatalf("expected take to remove the entry")
	}
}

func TestPendingStatusesExpire(t *testing.T) {
	t.Parallel()
	p := newPendingStatuses(time.Minute)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	p.hold("5511999990000", "P1", StatusDelivered, now, now)
	p.hold("5511999990000", "P2", StatusDelivered, now, now.Add(30*time.Second))
	if _, ok := p.take("5511999990000", "P1", now.Add(2*time.Minute)); ok {
		t.Fatalf("expected expired entry to be dropped")
	}
	if n := p.size(); n != 0 {
		t.Fatalf("expected all entries evicted, got %d", n)
	}
}
