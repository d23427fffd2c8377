package domain

import "strings"

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide normalises s and reports whether it names a known side.
func ParseSide(s string) (Side, bool) {
	side := Side(strings.ToLower(strings.TrimSpace(s)))
	return side, side.IsValid()
}

// IsValid checks if the side is buy or sell.
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// String returns the string representation of the side.
func (s Side) String() string {
	return string(s)
}

// PastTense returns the verb used in user-facing confirmations.
func (s Side) PastTense() string {
	switch s {
	case SideBuy:
		return "bought"
	case SideSell:
		return "sold"
	default:
		return "traded"
	}
}
