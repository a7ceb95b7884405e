package model

import "strings"

// MessageStatus is the delivery status of a message. Values are totally
// ordered by rank: FAILED < PENDING < SENT < DELIVERED < READ.
type MessageStatus int

const (
	StatusFailed MessageStatus = iota
	StatusPending
	StatusSent
	StatusDelivered
	StatusRead
)

var statusNames = [...]string{
	StatusFailed:    "FAILED",
	StatusPending:   "PENDING",
	StatusSent:      "SENT",
	StatusDelivered: "DELIVERED",
	StatusRead:      "READ",
}

func (s MessageStatus) String() string {
	if s < StatusFailed || s > StatusRead {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// Rank returns the position of s in the status order.
func (s MessageStatus) Rank() int {
	return int(s)
}

// Accepts reports whether a message currently in status s may move to next
// without downgrading.
func (s MessageStatus) Accepts(next MessageStatus) bool {
	return next.Rank() >= s.Rank()
}

// Terminal reports whether no further local action is expected for s.
func (s MessageStatus) Terminal() bool {
	return s == StatusFailed || s >= StatusDelivered
}

// ParseStatus parses one of the five status names (case-insensitive).
func ParseStatus(name string) (MessageStatus, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range statusNames {
		if n == name {
			return MessageStatus(i), true
		}
	}
	return StatusSent, false
}
