// Package device specifies the boundary between the protocol engine and
// the local controllable entities (lights, switches, power bits) — the
// actual GPIO/PWM/light-transition drivers are out of scope here. This
// package defines only the apply/collect contract plus an in-memory
// reference implementation used by tests and by cmd/dgrd's demo wiring.
package device

import "github.com/tasmota/devgroups/internal/wire"

// Adapter is implemented by the host's device layer. The engine never
// calls Loop()-reentrant code from inside OnApply; implementations must
// be safe to call synchronously from the engine's single thread.
type Adapter interface {
	// OnApply is invoked by the engine when a remote update has been
	// accepted, with source SourceRemote. The engine does not call it for
	// locally published items, whatever the MessageType's WithLocal bit.
	// Implementations must be idempotent: reapplying the same value is a
	// no-op.
	OnApply(tag wire.Tag, value wire.Item, msgType wire.MessageType, source wire.Source)

	// Collect returns every currently shareable item, for FULL_STATUS
	// construction.
	Collect() []wire.Item
}

// Publisher is the engine-side half of the local-change observer contract:
// when a local controller changes a light or power bit, it calls Publish
// on the engine. Declared here so device implementations can
// depend on it without importing the engine package (which imports
// device), avoiding an import cycle.
type Publisher interface {
	Publish(items ...wire.Item)
}
