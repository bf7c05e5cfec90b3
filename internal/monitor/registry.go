// Package monitor tracks which chats the scheduler spends poll cycles on:
// typically the open conversation plus chats with unread activity.
package monitor

import "sync"

// Registry is an insertion-ordered set of chat identifiers. Membership can
// change at any time without invalidating in-flight polls of other
// members; no upper bound is enforced here.
type Registry struct {
	mu     sync.Mutex
	order  []string
	member map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{member: make(map[string]struct{})}
}

// Add inserts the chat if absent. Returns true when it was newly added.
func (r *Registry) Add(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.member[chatID]; ok {
		return false
	}
	r.member[chatID] = struct{}{}
	r.order = append(r.order, chatID)
	return true
}

// Remove drops the chat if present. Returns true when it was a member.
func (r *Registry) Remove(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.member[chatID]; !ok {
		return false
	}
	delete(r.member, chatID)
	for i, id := range r.order {
		if id == chatID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports membership.
func (r *Registry) Contains(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.member[chatID]
	return ok
}

// Snapshot returns the members in insertion order. The copy stays valid
// while the registry keeps changing underneath a running pass.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the member count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
