package dice

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidExpression is returned for strings Parse cannot read.
var ErrInvalidExpression = errors.New("invalid dice expression")

// Expression is a parsed "NdS[khK][+M]" roll.
//
// Invariant: Count >= 1, Sides >= 2 and 0 <= KeepHighest < Count.
type Expression struct {
	Raw         string
	Count       int
	Sides       int
	KeepHighest int
	Modifier    int
}

const (
	maxDice  = 100
	maxSides = 1000
)

var exprPattern = regexp.MustCompile(`^(\d*)d(\d+)(?:kh(\d+))?([+-]\d+)?$`)

// Parse reads expressions such as "d20", "1d20+5", "2d20kh1-1" or "4d6kh3".
//
// Postcondition: Returns an Expression satisfying its invariant, or an error wrapping
// ErrInvalidExpression.
func Parse(raw string) (Expression, error) {
	s := strings.ToLower(strings.ReplaceAll(raw, " ", ""))
	m := exprPattern.FindStringSubmatch(s)
	if m == nil {
		return Expression{}, fmt.Errorf("%w: %q", ErrInvalidExpression, raw)
	}
	e := Expression{Raw: s, Count: 1}
	if m[1] != "" {
		e.Count, _ = strconv.Atoi(m[1])
	}
	e.Sides, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		e.KeepHighest, _ = strconv.Atoi(m[3])
	}
	if m[4] != "" {
		e.Modifier, _ = strconv.Atoi(m[4])
	}

	switch {
	case e.Count < 1 || e.Count > maxDice:
		return Expression{}, fmt.Errorf("%w: %q: dice count must be 1..%d", ErrInvalidExpression, raw, maxDice)
	case e.Sides < 2 || e.Sides > maxSides:
		return Expression{}, fmt.Errorf("%w: %q: sides must be 2..%d", ErrInvalidExpression, raw, maxSides)
	case m[3] != "" && (e.KeepHighest < 1 || e.KeepHighest >= e.Count):
		return Expression{}, fmt.Errorf("%w: %q: kh must be between 1 and %d", ErrInvalidExpression, raw, e.Count-1)
	}
	return e, nil
}
