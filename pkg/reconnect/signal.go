package reconnect

// RestartSignal is a single-slot flag. Raising it more than once before it
// is observed has the same effect as raising it once.
type RestartSignal struct {
	ch chan struct{}
}

// NewRestartSignal returns a cleared signal.
func NewRestartSignal() *RestartSignal {
	return &RestartSignal{ch: make(chan struct{}, 1)}
}

// Raise sets the flag without blocking.
func (s *RestartSignal) Raise() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C delivers once per Raise. Receiving from it clears the flag.
func (s *RestartSignal) C() <-chan struct{} { return s.ch }

// Clear resets the flag and reports whether it was set.
func (s *RestartSignal) Clear() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Pending reports whether the flag is set without clearing it.
func (s *RestartSignal) Pending() bool {
	return len(s.ch) > 0
}
