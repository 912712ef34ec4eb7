package transport

import "fmt"

// Subject builders for the namespaced bus topology. Every subject a
// client uses lives under its configured namespace, so one bus can carry
// many isolated applications.

// EventsSubject is the wildcard pattern covering every state event the
// namespace publishes.
func EventsSubject(namespace string) string {
	return fmt.Sprintf("%s.events.>", namespace)
}

// CommandSubject addresses the handler for one command type.
func CommandSubject(namespace, command string) string {
	return fmt.Sprintf("%s.commands.%s", namespace, command)
}

// StateGetSubject addresses the full-state fetch responder.
func StateGetSubject(namespace string) string {
	return fmt.Sprintf("%s.state.get", namespace)
}
