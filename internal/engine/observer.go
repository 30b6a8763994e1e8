package engine

// Observer receives session notifications on the control context.
//
// OnStateChanged is invoked synchronously while the session's lifecycle lock
// is held, so implementations must return promptly and must not call back
// into [Session] control methods. Hand the event to another goroutine
// instead (a channel send, tea.Program.Send, a websocket broadcast).
type Observer interface {
	// OnStateChanged reports a lifecycle transition.
	OnStateChanged(from, to State)

	// OnLatencyUpdated delivers a sample from the [LatencyMonitor].
	OnLatencyUpdated(sample LatencySample)

	// OnError delivers asynchronous failures: [*ProcessingError] values for
	// passthrough blocks and [ErrStreamFatal] when the driver gives up.
	OnError(err error)
}

// ObserverFuncs adapts optional functions to [Observer]. Nil fields are
// skipped.
type ObserverFuncs struct {
	StateChanged   func(from, to State)
	LatencyUpdated func(LatencySample)
	Error          func(error)
}

func (f ObserverFuncs) OnStateChanged(from, to State) {
	if f.StateChanged != nil {
		f.StateChanged(from, to)
	}
}

func (f ObserverFuncs) OnLatencyUpdated(s LatencySample) {
	if f.LatencyUpdated != nil {
		f.LatencyUpdated(s)
	}
}

func (f ObserverFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// Observers fans notifications out to every member in order.
type Observers []Observer

func (o Observers) OnStateChanged(from, to State) {
	for _, obs := range o {
		obs.OnStateChanged(from, to)
	}
}

func (o Observers) OnLatencyUpdated(s LatencySample) {
	for _, obs := range o {
		obs.OnLatencyUpdated(s)
	}
}

func (o Observers) OnError(err error) {
	for _, obs := range o {
		obs.OnError(err)
	}
}

var (
	_ Observer = ObserverFuncs{}
	_ Observer = Observers(nil)
)
