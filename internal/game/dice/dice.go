// Package dice rolls the checks a session owner asks the table for, initiative first of all.
package dice

import (
	"fmt"
	"strings"
)

// RollResult is the audit trail of one roll.
//
// Invariant: Total() == sum(Kept) + Modifier.
type RollResult struct {
	Expression string `json:"expression"`
	// Rolled holds every die in the order it was thrown.
	Rolled []int `json:"rolled"`
	// Kept holds the dice that count toward the total, highest first when a keep rule applied.
	Kept     []int `json:"kept"`
	Modifier int   `json:"modifier"`
}

// Total returns the kept dice plus the modifier.
func (r RollResult) Total() int {
	total := r.Modifier
	for _, d := range r.Kept {
		total += d
	}
	return total
}

// String renders the roll as "2d20kh1+3: [7 15] keep [15] +3 = 18".
func (r RollResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", r.Expression, r.Rolled)
	if len(r.Kept) != len(r.Rolled) {
		fmt.Fprintf(&b, " keep %v", r.Kept)
	}
	fmt.Fprintf(&b, " %+d = %d", r.Modifier, r.Total())
	return b.String()
}

// D20 builds the expression for a d20 check with modifier, rolled twice keeping the higher
// die when advantage is set.
func D20(modifier int, advantage bool) string {
	if advantage {
		return fmt.Sprintf("2d20kh1%+d", modifier)
	}
	return fmt.Sprintf("1d20%+d", modifier)
}
