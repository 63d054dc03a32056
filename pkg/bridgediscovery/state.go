package bridgediscovery

// DiscoveryState is the orchestrator's lifecycle as seen by observers.
type DiscoveryState string

const (
	DiscoveryIdle      DiscoveryState = "idle"
	DiscoveryRunning   DiscoveryState = "running"
	DiscoveryCompleted DiscoveryState = "completed"
	DiscoveryFailed    DiscoveryState = "failed"
)

// ConnectionState is the supervisor's state.
type ConnectionState string

const (
	StateDisconnected        ConnectionState = "disconnected"
	StateSearching           ConnectionState = "searching"
	StateConnecting          ConnectionState = "connecting"
	StateConnected           ConnectionState = "connected"
	StateReconnecting        ConnectionState = "reconnecting"
	StateNeedsAuthentication ConnectionState = "needsAuthentication"
	StateFailed              ConnectionState = "failed"
)

// ConnectionStates lists every state, in declaration order.
var ConnectionStates = []ConnectionState{
	StateDisconnected, StateSearching, StateConnecting, StateConnected,
	StateReconnecting, StateNeedsAuthentication, StateFailed,
}
