package hub

import "slices"

// Presence is a read-only view of who is online. A user counts as online
// from Register until Deregister, including while their queue drains.
type Presence struct {
	h *Hub
}

// Presence returns the hub's presence view.
func (h *Hub) Presence() *Presence {
	return &Presence{h: h}
}

func (p *Presence) IsOnline(userID int64) bool {
	p.h.mu.RLock()
	defer p.h.mu.RUnlock()
	_, ok := p.h.users[userID]
	return ok
}

// ListOnline returns the online user ids in ascending order.
func (p *Presence) ListOnline() []int64 {
	p.h.mu.RLock()
	ids := make([]int64, 0, len(p.h.users))
	for id := range p.h.users {
		ids = append(ids, id)
	}
	p.h.mu.RUnlock()
	slices.Sort(ids)
	return ids
}
