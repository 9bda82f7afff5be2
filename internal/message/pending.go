package message

import (
	"sync"
	"time"
)

const defaultPendingTTL = 2 * time.Minute

// pendingStatuses holds delivery callbacks for provider ids that are not
// stored yet. The provider can confirm a send before the dispatcher records
// the id it returned.
type pendingStatuses struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]pendingStatus
}

type pendingStatus struct {
	status Status
	at     time.Time
	held   time.Time
}

func newPendingStatuses(ttl time.Duration) *pendingStatuses {
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	return &pendingStatuses{ttl: ttl, items: map[string]pendingStatus{}}
}

// hold keeps the furthest status seen for the provider id.
func (p *pendingStatuses) hold(phone, providerID string, status Status, at, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evict(now)
	key := phone + "\x00" + providerID
	if existing, ok := p.items[key]; ok && StatusRank(existing.status) >= StatusRank(status) {
		return
	}
	p.items[key] = pendingStatus{status: status, at: at, held: now}
}

func (p *pendingStatuses) take(phone, providerID string, now time.Time) (pendingStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evict(now)
	key := phone + "\x00" + providerID
	item, ok := p.items[key]
	if ok {
		delete(p.items, key)
	}
	return item, ok
}

func (p *pendingStatuses) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *pendingStatuses) evict(now time.Time) {
	for key, item := range p.items {
		if now.Sub(item.held) >= p.ttl {
			delete(p.items, key)
		}
	}
}
