package core

import (
	"sort"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

// Membership is the set of members subscribed to the presence channel.
// Build it from a snapshot, then apply deltas. Not safe for concurrent use.
type Membership struct {
	ids map[domain.MemberID]struct{}
}

func NewMembership(snapshot ...domain.MemberID) *Membership {
	m := &Membership{ids: make(map[domain.MemberID]struct{}, len(snapshot))}
	for _, id := range snapshot {
		m.Add(id)
	}
	return m
}

// Add reports whether id was new.
func (m *Membership) Add(id domain.MemberID) bool {
	if id == "" || id == domain.BroadcastID {
		return false
	}
	if _, ok := m.ids[id]; ok {
		return false
	}
	m.ids[id] = struct{}{}
	return true
}

// Remove reports whether id was present.
func (m *Membership) Remove(id domain.MemberID) bool {
	if _, ok := m.ids[id]; !ok {
		return false
	}
	delete(m.ids, id)
	return true
}

func (m *Membership) Has(id domain.MemberID) bool {
	_, ok := m.ids[id]
	return ok
}

func (m *Membership) Len() int { return len(m.ids) }

// Sorted returns the members in lexicographic order.
func (m *Membership) Sorted() []domain.MemberID {
	out := make([]domain.MemberID, 0, len(m.ids))
	for id := range m.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Others returns every member except self, sorted.
func (m *Membership) Others(self domain.MemberID) []domain.MemberID {
	all := m.Sorted()
	out := all[:0]
	for _, id := range all {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}
