package models

import "time"

// ContactStatus is the position of a pair in the contact state machine.
// A pair without a record is in the implicit NONE state.
type ContactStatus string

const (
	ContactPending  ContactStatus = "pending"
	ContactAccepted ContactStatus = "accepted"
	ContactRejected ContactStatus = "rejected"
)

// Valid reports whether s is one of the declared statuses.
func (s ContactStatus) Valid() bool {
	switch s {
	case ContactPending, ContactAccepted, ContactRejected:
		return true
	}
	return false
}

// Contact is the relationship record for an unordered pair of agents.
// A and B are stored in canonical order (A < B).
type Contact struct {
	A           string        `json:"a"`
	B           string        `json:"b"`
	RequestedBy string        `json:"requested_by"`
	Status      ContactStatus `json:"status"`
	Seq         int64         `json:"seq"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Other returns the member of the pair that is not axID.
func (c Contact) Other(axID string) string {
	if c.A == axID {
		return c.B
	}
	return c.A
}

// Involves reports whether axID is one side of the pair.
func (c Contact) Involves(axID string) bool {
	return c.A == axID || c.B == axID
}

// OrderedPair returns x and y in canonical order.
func OrderedPair(x, y string) (string, string) {
	if y < x {
		return y, x
	}
	return x, y
}

// PairKey is the map key of an unordered pair.
func PairKey(x, y string) string {
	a, b := OrderedPair(x, y)
	return a + "|" + b
}
