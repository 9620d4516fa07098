package broker

import (
	"time"

	"github.com/apex/log"
	"github.com/thasv012/runes-analytics-pro-sub001/common"
)

// ClientIdentity identity attributes a connection declares during the
// websocket handshake
type ClientIdentity struct {
	// ClientType is the declared type, e.g. "ui" or "market-data"
	ClientType string `json:"client_type" validate:"required"`
	// Name is the display name
	Name string `json:"name" validate:"required"`
	// Group is an optional group to join on admission
	Group string `json:"group,omitempty"`
	// Channel is an optional channel to join on admission
	Channel string `json:"channel,omitempty"`
}

// ClientInfo point-in-time snapshot of one registry entry
type ClientInfo struct {
	// ID is the broker assigned client ID
	ID string `json:"id" validate:"required"`
	// Identity are the declared identity attributes
	Identity ClientIdentity `json:"identity" validate:"required,dive"`
	// Groups are the groups the client currently belongs to
	Groups []string `json:"groups"`
	// Channels are the channels the client currently belongs to
	Channels []string `json:"channels"`
	// ConnectedAt is when the client was admitted
	ConnectedAt time.Time `json:"connected_at"`
	// LastActiveAt is when the connection last showed activity
	LastActiveAt time.Time `json:"last_active_at"`
	// MessagesSent counts envelopes received from this client
	MessagesSent uint64 `json:"messages_sent"`
	// MessagesReceived counts envelopes delivered to this client
	MessagesReceived uint64 `json:"messages_received"`
}

// SenderInfo form the router's sender stamp for this client
func (i ClientInfo) SenderInfo() common.SenderInfo {
	return common.SenderInfo{ID: i.ID, Name: i.Identity.Name, Type: i.Identity.ClientType}
}

// ClientTransport write side of one admitted connection.
//
// Each transport handle is owned exclusively by its registry entry.
type ClientTransport interface {
	// SendEnvelope deliver an envelope. A write against a non-open transport
	// is a no-op reporting failure.
	SendEnvelope(env common.Envelope) bool
	// Ping issue a transport-level liveness probe
	Ping(deadline time.Time) error
	// Close close the transport with a close code and reason
	Close(code int, reason string) error
}

// AdmissionFunc predicate deciding whether a pending connection becomes
// active. Returning false closes the connection before a registry entry is
// created.
type AdmissionFunc func(identity ClientIdentity, remoteAddr string) bool

// EventHooks optional application callbacks. Every member may be nil. Each
// invocation runs inside a failure boundary so a throwing hook cannot crash
// the broker or desynchronize the registry.
type EventHooks struct {
	// OnConnection fires after a client is admitted
	OnConnection func(client ClientInfo)
	// OnDisconnection fires after a client's registry entry is destroyed
	OnDisconnection func(client ClientInfo, closeCode int, reason string)
	// OnMessage receives untargeted application envelopes
	OnMessage func(sender ClientInfo, msg common.Envelope)
	// OnError receives connection-scoped transport failures
	OnError func(clientID string, err error)
}

// guardHook invoke an application hook inside a failure boundary
func guardHook(tags log.Fields, name string, hook func()) {
	defer func() {
		if p := recover(); p != nil {
			log.WithFields(tags).Errorf("Application hook %s paniced: %v", name, p)
		}
	}()
	hook()
}

// clientRecord one registry entry. Created on admission, mutated only from
// the broker event loop, destroyed on transport close.
type clientRecord struct {
	id               string
	identity         ClientIdentity
	transport        ClientTransport
	groups           map[string]bool
	channels         map[string]bool
	connectedAt      time.Time
	lastActiveAt     time.Time
	messagesSent     uint64
	messagesReceived uint64
}

// snapshot produce the externally visible view of the record
func (r *clientRecord) snapshot() ClientInfo {
	return ClientInfo{
		ID:               r.id,
		Identity:         r.identity,
		Groups:           sortedNameSet(r.groups),
		Channels:         sortedNameSet(r.channels),
		ConnectedAt:      r.connectedAt,
		LastActiveAt:     r.lastActiveAt,
		MessagesSent:     r.messagesSent,
		MessagesReceived: r.messagesReceived,
	}
}
