package broker

import "time"

// Stats monotonic broker counters. Derived state only, never drives control
// flow. Mutated only from the broker event loop.
type Stats struct {
	// TotalConnections counts admissions over the broker's lifetime
	TotalConnections uint64 `json:"total_connections"`
	// MessagesSent counts envelopes delivered to clients
	MessagesSent uint64 `json:"messages_sent"`
	// MessagesReceived counts envelopes received from clients
	MessagesReceived uint64 `json:"messages_received"`
	// Errors counts connection-scoped failures
	Errors uint64 `json:"errors"`
	// StartedAt is when the broker instance started
	StartedAt time.Time `json:"started_at"`
}

// StatsSnapshot point-in-time view of the broker counters together with the
// current registry and index sizes
type StatsSnapshot struct {
	Stats
	// ActiveClients is the current registry size
	ActiveClients int `json:"active_clients"`
	// Groups is the number of non-empty groups
	Groups int `json:"groups"`
	// Channels is the number of non-empty channels
	Channels int `json:"channels"`
}
