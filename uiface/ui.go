// Package uiface defines the optional UI collaborator: a
// side-effect-free progress observer the Relocator notifies before
// every read, write, and flush.
package uiface

// UI is notified by the Relocator before every read, write, and flush.
// Implementations must be side-effect free with respect to the engine
// — they observe, they never alter the transfer.
type UI interface {
	ShowIORead(source string, offset, length int64)
	ShowIOWrite(target string, offset, length int64)
	ShowIOFlush()
}

// Noop discards every notification; the zero value is ready to use and
// is what a façade should hand the Relocator when no UI is configured.
type Noop struct{}

func (Noop) ShowIORead(string, int64, int64)  {}
func (Noop) ShowIOWrite(string, int64, int64) {}
func (Noop) ShowIOFlush()                     {}

var _ UI = Noop{}
