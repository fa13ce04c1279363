package fleet

// State is the lifecycle state of an outbound client.
type State string

const (
	// StatePending means the client exists but no connect has started.
	StatePending State = "Pending"
	// StateConnecting means a connect attempt is in flight.
	StateConnecting State = "Connecting"
	// StateAwaitingAuth means the upstream answered with an OAuth
	// challenge; the client waits for the external completion flow.
	StateAwaitingAuth State = "AwaitingAuth"
	// StateReady means the handshake succeeded and requests may flow.
	StateReady State = "Ready"
	// StateError means the last connect or the connection itself
	// failed; the restart policy decides whether it is retried.
	StateError State = "Error"
	// StateStopped is terminal: the client was removed or shut down.
	StateStopped State = "Stopped"
)

// retriable reports whether the restart policy may drive the state
// back into Connecting. AwaitingAuth waits for the OAuth completion
// instead, and Stopped is terminal.
func (s State) retriable() bool {
	return s == StateError
}
