// Package paychanlog provides the shared subsystem logger plumbing used by
// every package in the channel core. Each consuming package keeps its own
// `log` variable and registers it here so a single backend can tag output
// by subsystem.
package paychanlog

import (
	"github.com/gcash/bchlog"
)

// Subsystem tags, one per package that logs.
const (
	SubsystemChanScript    = "CHSC"
	SubsystemClientChannel = "CLCH"
	SubsystemServerChannel = "SVCH"
	SubsystemClientProto   = "CLPR"
	SubsystemServerProto   = "SVPR"
	SubsystemChanStore     = "CHST"
)

// Backend is the shared logging backend. It is nil until InitBackend is
// called by an embedder (typically cmd/paychand); until then every
// subsystem logger defaults to bchlog.Disabled.
var backend *bchlog.Backend

// InitBackend creates the shared backend writing to w and returns it. Call
// once at process startup before constructing any state machines.
func InitBackend(w interface {
	Write(p []byte) (int, error)
}) *bchlog.Backend {
	backend = bchlog.NewBackend(w)
	return backend
}

// SubLogger returns a logger tagged with the given subsystem, backed by the
// shared backend. If InitBackend has not been called, logging is disabled.
func SubLogger(tag string) bchlog.Logger {
	if backend == nil {
		return bchlog.Disabled
	}
	return backend.Logger(tag)
}
