package device

import (
	"sync"

	"github.com/tasmota/devgroups/internal/wire"
)

// MemoryDevice is a reference Adapter implementation backing the demo
// daemon and the engine's tests: it tracks a power bit, brightness,
// scheme and fade setting in memory, mirroring the "previous_*" fields
// original_source/device_groups.h keeps for idempotent light-state apply
// (previous_power_state, previous_brightness, ...).
type MemoryDevice struct {
	mu sync.Mutex

	power      uint32
	brightness uint16
	scheme     uint8
	fade       uint8

	// applyCount counts OnApply invocations per tag, purely for tests that
	// assert idempotence: applying the same (tag, value) twice must
	// produce the same device state as applying it once.
	applyCount map[wire.Tag]int
}

// NewMemoryDevice returns a MemoryDevice with all state zeroed.
func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{applyCount: make(map[wire.Tag]int)}
}

// OnApply mutates the in-memory device state. Re-applying an identical
// value is a pure no-op — there is nothing to recompute — so the method
// is naturally idempotent; applyCount only tracks invocations for test
// assertions, not a behavioral branch.
func (d *MemoryDevice) OnApply(tag wire.Tag, value wire.Item, _ wire.MessageType, _ wire.Source) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.applyCount[tag]++

	switch tag {
	case wire.TagPower:
		d.power = value.Uint32()
	case wire.TagLightBri:
		d.brightness = value.Uint16()
	case wire.TagLightScheme:
		d.scheme = value.Uint8()
	case wire.TagLightFade:
		d.fade = value.Uint8()
	}
}

// Collect returns the device's current shareable items.
func (d *MemoryDevice) Collect() []wire.Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	return []wire.Item{
		wire.NewUint32Item(wire.TagPower, d.power),
		wire.NewUint16Item(wire.TagLightBri, d.brightness),
		wire.NewUint8Item(wire.TagLightScheme, d.scheme),
		wire.NewUint8Item(wire.TagLightFade, d.fade),
	}
}

// Power and Brightness let tests read back the device's current state.
func (d *MemoryDevice) Power() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.power
}

func (d *MemoryDevice) Brightness() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.brightness
}

// ApplyCount returns how many times OnApply has been called for tag, for
// idempotence assertions in tests.
func (d *MemoryDevice) ApplyCount(tag wire.Tag) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyCount[tag]
}

// SetPower lets a local controller change power state, independent of the
// engine — the caller is then responsible for calling Publisher.Publish
// to announce the change to the group.
func (d *MemoryDevice) SetPower(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.power = 1
	} else {
		d.power = 0
	}
}
