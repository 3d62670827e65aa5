package admission

import "devicegate/cmd/internal/session"

// Observer receives decision counts. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	LoginDecided(status Status)
	SessionEnded(reason session.EndReason)
	Validated(reason Reason)
	StoreFailed(op string)
}

// Notifier is told about every session that stopped being active, after the
// change is durable. Implementations must not block.
type Notifier interface {
	NotifySessionEnded(rec session.Record)
}

type nopObserver struct{}

func (nopObserver) LoginDecided(Status) {}
func (nopObserver) SessionEnded(session.EndReason) {}
func (nopObserver) Validated(Reason) {}
func (nopObserver) StoreFailed(string) {}

type nopNotifier struct{}

func (nopNotifier) NotifySessionEnded(session.Record) {}
