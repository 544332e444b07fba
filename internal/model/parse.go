package model

import "time"

// InboundMessage is one free-text status update from a manager, as handed
// over by the chat transport.
type InboundMessage struct {
	MessageID  string
	Sender     string // manager chat id
	Text       string
	ReceivedAt time.Time
}

// Rejection describes one message fragment that could not be turned into
// a valid event. The reason is human-readable and goes back to the sender.
type Rejection struct {
	FragmentIndex int
	Fragment      string
	Reason        string
}

// ParseResult is the transient outcome of parsing one message: the valid
// events in order of mention plus the fragments that were rejected.
// A message may yield both — partial success is the normal case, never
// all-or-nothing.
type ParseResult struct {
	Events    []Event
	Rejected  []Rejection
	Empty     bool // true when parsing produced nothing actionable
}

// OK reports whether at least one valid event was extracted.
func (r *ParseResult) OK() bool {
	return len(r.Events) > 0
}
