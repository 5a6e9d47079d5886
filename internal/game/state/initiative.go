package state

import "strings"

// SortInitiative sorts entries in place, highest initiative first. Ties are broken by name,
// then entity id, so every node computes the same order.
func SortInitiative(entries []InitiativeEntry) {
	n := len(entries)
	for i := 1; i < n; i++ {
		for j := i; j > 0 && initiativeBefore(entries[j], entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func initiativeBefore(a, b InitiativeEntry) bool {
	if a.Initiative != b.Initiative {
		return a.Initiative > b.Initiative
	}
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c < 0
	}
	return a.EntityID < b.EntityID
}

// IndexOf returns the initiative slot of entityID, or -1.
func (g *GameState) IndexOf(entityID string) int {
	for i, e := range g.Initiative {
		if e.EntityID == entityID {
			return i
		}
	}
	return -1
}
