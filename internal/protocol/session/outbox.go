package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingCall tracks one logical call that is being resubmitted across
// reconnects.
type PendingCall struct {
	CallID        string
	Method        string
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string
}

// CallOutbox stores in-flight logical calls by stable call id.
type CallOutbox struct {
	mu    sync.RWMutex
	items map[string]PendingCall
}

func NewCallOutbox() *CallOutbox {
	return &CallOutbox{
		items: make(map[string]PendingCall),
	}
}

func (o *CallOutbox) Upsert(item PendingCall) {
	key := strings.TrimSpace(item.CallID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

func (o *CallOutbox) MarkAttempt(callID string, at time.Time, lastErr string) (PendingCall, bool) {
	key := strings.TrimSpace(callID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingCall{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

func (o *CallOutbox) Remove(callID string) {
	key := strings.TrimSpace(callID)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *CallOutbox) Get(callID string) (PendingCall, bool) {
	key := strings.TrimSpace(callID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

func (o *CallOutbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

func (o *CallOutbox) List() []PendingCall {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingCall, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CallID < out[j].CallID
	})
	return out
}
