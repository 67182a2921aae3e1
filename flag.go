package splice

import "sync/atomic"

// StopFlag is raised once when the relay is stopping. It's written by
// the controlling goroutine and read by every branch interceptor.
type StopFlag struct {
	raised atomic.Bool
}

// Raise sets the flag. Returns true if this call raised it.
func (f *StopFlag) Raise() bool {
	return f.raised.CompareAndSwap(false, true)
}

// Raised returns true if the flag is set.
func (f *StopFlag) Raised() bool {
	return f.raised.Load()
}
