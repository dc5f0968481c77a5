package instance

import "time"

// BufferingSettings configures optional Nagle-like grouping of outbound
// commands: a submission is held at most BufferTime, or until BufferCount
// submissions have accumulated, before being flushed to the wire as one
// batch. Zero values disable buffering (every command flushes immediately).
// Settable at runtime per §5 "SetCommandsBufferingSettings".
type BufferingSettings struct {
	BufferCount int
	BufferTime  time.Duration
}

// Disabled reports whether buffering is turned off.
func (b BufferingSettings) Disabled() bool {
	return b.BufferCount <= 1 && b.BufferTime <= 0
}
