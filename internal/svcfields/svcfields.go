// Package svcfields tags every amqpmux log line with which subsystem
// emitted it (server.<address>, control.loadguard, cli.fetch, ...), the way
// every logger handed to a server.Endpoint, the connection, or a CLI command
// gets scoped before it's used.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem builds a dot-delimited subsystem path from the supplied parts
// while skipping empty fragments — used by server.New to fold a fixed
// "server" prefix and a dynamic endpoint address into one tag.
func Subsystem(parts ...string) string {
	if len(parts) == 0 {
		return ""
	}
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	if len(filtered) == 0 {
		return ""
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
