package controller

import "time"

// historySize is the number of transitions kept for /history.
const historySize = 50

// Transition is one recorded state change.
type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// history is a fixed-size ring of transitions.  Not safe for concurrent
// use; the controller guards it.
type history struct {
	buf  [historySize]Transition
	next int
	full bool
}

func (h *history) add(t Transition) {
	h.buf[h.next] = t
	h.next = (h.next + 1) % historySize
	if h.next == 0 {
		h.full = true
	}
}

// list returns the transitions oldest first.
func (h *history) list() []Transition {
	if !h.full {
		out := make([]Transition, h.next)
		copy(out, h.buf[:h.next])
		return out
	}
	out := make([]Transition, 0, historySize)
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}
