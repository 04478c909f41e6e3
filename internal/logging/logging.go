// Package logging provides the structured logger used by the protocol
// engine. The cmd/ binaries keep a plain stdlib log.Printf style for their
// own startup/shutdown narration; the engine logs through this logrus
// wrapper instead so per-member and per-group events (ack retries,
// timeouts, dropped frames) carry structured fields, the way
// alessio-palumbo-lifxlan-go's controller package logs device-session
// lifecycle events. internal/member and internal/transport stay
// logging-free and surface state/errors to their caller, which is the
// engine, to log.
package logging

import "github.com/sirupsen/logrus"

// New returns a logger tagged with "component" for one of the engine's
// collaborators.
func New(component string) *logrus.Entry {
	return logrus.StandardLogger().WithField("component", component)
}

// NewGroup returns a logger further tagged with the device group's name,
// for use inside a single Engine instance.
func NewGroup(component, group string) *logrus.Entry {
	return New(component).WithField("group", group)
}
