package common

import "sync"

// Observer receives events from the transfer core. Implementations must not
// block; events may be delivered from several goroutines.
type Observer interface {
	OnConnectionState(ev ConnectionEvent)
	OnProgress(ev ProgressEvent)
	OnTransfer(ev TransferEvent)
}

// NopObserver ignores every event
type NopObserver struct{}

func (NopObserver) OnConnectionState(ConnectionEvent) {}
func (NopObserver) OnProgress(ProgressEvent)          {}
func (NopObserver) OnTransfer(TransferEvent)          {}

// Observers fans events out to a dynamic set of observers
type Observers struct {
	mu   sync.RWMutex
	subs []Observer
}

// Add subscribes an observer
func (o *Observers) Add(obs Observer) {
	if obs == nil {
		return
	}
	o.mu.Lock()
	o.subs = append(o.subs, obs)
	o.mu.Unlock()
}

func (o *Observers) snapshot() []Observer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Observer(nil), o.subs...)
}

// OnConnectionState implements Observer
func (o *Observers) OnConnectionState(ev ConnectionEvent) {
	for _, s := range o.snapshot() {
		s.OnConnectionState(ev)
	}
}

// OnProgress implements Observer
func (o *Observers) OnProgress(ev ProgressEvent) {
	for _, s := range o.snapshot() {
		s.OnProgress(ev)
	}
}

// OnTransfer implements Observer
func (o *Observers) OnTransfer(ev TransferEvent) {
	for _, s := range o.snapshot() {
		s.OnTransfer(ev)
	}
}
