package core

import (
	"testing"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestElectLeader(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, ok := ElectLeader(NewMembership())
		assert.False(t, ok)
		_, ok = ElectLeader(nil)
		assert.False(t, ok)
	})

	t.Run("deterministic", func(t *testing.T) {
		m := NewMembership("c-3", "a-1", "b-2")
		for i := 0; i < 10; i++ {
			leader, ok := ElectLeader(m)
			assert.True(t, ok)
			assert.Equal(t, domain.MemberID("a-1"), leader)
		}
	})

	t.Run("smaller id takes over", func(t *testing.T) {
		m := NewMembership("b-2", "c-3")
		leader, _ := ElectLeader(m)
		assert.Equal(t, domain.MemberID("b-2"), leader)

		m.Add("a-0")
		leader, _ = ElectLeader(m)
		assert.Equal(t, domain.MemberID("a-0"), leader)
	})

	t.Run("removing leader re-elects next", func(t *testing.T) {
		m := NewMembership("a-1", "b-2", "c-3")
		m.Remove("a-1")
		leader, _ := ElectLeader(m)
		assert.Equal(t, domain.MemberID("b-2"), leader)
	})
}

func TestMembership(t *testing.T) {
	m := NewMembership("b", "a", "b", "", domain.BroadcastID)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []domain.MemberID{"a", "b"}, m.Sorted())

	assert.True(t, m.Add("c"))
	assert.False(t, m.Add("c"))
	assert.True(t, m.Has("c"))
	assert.Equal(t, []domain.MemberID{"b", "c"}, m.Others("a"))

	assert.True(t, m.Remove("a"))
	assert.False(t, m.Remove("a"))
	assert.False(t, m.Has("a"))
}

func TestMessageAddressedTo(t *testing.T) {
	msg := NewTalking("a", domain.BroadcastID, true)
	assert.True(t, msg.AddressedTo("b"))

	msg = NewOffer("a", "b", webrtcOffer())
	assert.True(t, msg.AddressedTo("b"))
	assert.False(t, msg.AddressedTo("c"))
}
