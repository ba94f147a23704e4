package core

import "github.com/dkeye/VoiceMesh/internal/domain"

// ElectLeader picks the lexicographically smallest member.
// Leadership is advisory; it only gates privileged room actions.
func ElectLeader(m *Membership) (domain.MemberID, bool) {
	if m == nil || m.Len() == 0 {
		return "", false
	}
	var leader domain.MemberID
	first := true
	for id := range m.ids {
		if first || id < leader {
			leader = id
			first = false
		}
	}
	return leader, true
}
