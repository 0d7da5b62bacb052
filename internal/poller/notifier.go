package poller

import (
	"github.com/bwmarrin/snowflake"
)

// Notifier wakes the run loop after an event starts waiting for its receipt.
// Signals coalesce; the loop reloads due work from the database anyway.
type Notifier struct {
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

func (n *Notifier) Track(snowflake.ID) {
	if n == nil {
		return
	}
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *Notifier) C() <-chan struct{} {
	if n == nil {
		return nil
	}
	return n.ch
}
