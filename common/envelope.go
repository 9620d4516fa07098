package common

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved envelope types sent broker to client
const (
	// MsgTypeConnection welcome envelope carrying the broker assigned client ID
	MsgTypeConnection = "connection"
	// MsgTypePong reply to a client ping
	MsgTypePong = "pong"
	// MsgTypeSubscription channel subscription acknowledgment
	MsgTypeSubscription = "subscription"
	// MsgTypeServerShutdown broadcast to all clients before the broker stops
	MsgTypeServerShutdown = "server_shutdown"
)

// Reserved envelope types sent client to broker
const (
	// MsgTypeSubscribe join a channel
	MsgTypeSubscribe = "subscribe"
	// MsgTypeUnsubscribe leave a channel
	MsgTypeUnsubscribe = "unsubscribe"
	// MsgTypeJoin join a group
	MsgTypeJoin = "join"
	// MsgTypeLeave leave a group
	MsgTypeLeave = "leave"
	// MsgTypePing liveness probe, answered with MsgTypePong
	MsgTypePing = "ping"
)

// MsgTypeText wrapper type for inbound payloads which failed envelope parsing
const MsgTypeText = "text"

// Subscription acknowledgment status values
const (
	SubscriptionStatusSuccess  = "success"
	SubscriptionStatusCanceled = "canceled"
)

// Addressing expressions understood by the message router
const (
	// TargetAll address every registered client
	TargetAll = "all"
	// TargetAllAlias alternate spelling of TargetAll
	TargetAllAlias = "*"
	// TargetGroupPrefix prefix selecting a named group
	TargetGroupPrefix = "group:"
	// TargetChannelPrefix prefix selecting a named channel
	TargetChannelPrefix = "channel:"
	// TargetTypePrefix prefix selecting all clients of a declared type
	TargetTypePrefix = "type:"
)

// Handshake query parameters carrying a connection's identity attributes
const (
	HandshakeParamType    = "type"
	HandshakeParamName    = "name"
	HandshakeParamGroup   = "group"
	HandshakeParamChannel = "channel"
)

// ====================================================================================

// SenderInfo identity stamp the router adds onto an envelope before delivery
type SenderInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Target the resolved-recipient expression of an outbound envelope.
//
// On the wire it is either a single string or an array of strings.
type Target []string

// UnmarshalJSON accepts both the string and the array form
func (t *Target) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = Target{single}
		return nil
	}
	var multiple []string
	if err := json.Unmarshal(data, &multiple); err != nil {
		return fmt.Errorf("target is neither a string nor a string array")
	}
	*t = Target(multiple)
	return nil
}

// MarshalJSON emits the string form when holding exactly one expression
func (t Target) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// ====================================================================================

// Envelope the tagged, timestamped unit of exchange between broker and connector.
//
// Wire form is a flat JSON object. The keys "type", "timestamp", "target", and
// "from" are reserved; everything else round-trips through Fields untouched.
type Envelope struct {
	// Type the envelope type discriminator
	Type string `validate:"required"`
	// Timestamp when the envelope was formed
	Timestamp time.Time
	// Target the addressing expression. Only meaningful client to broker.
	Target Target
	// From sender identity, stamped by the router on targeted delivery
	From *SenderInfo
	// Fields the application payload
	Fields map[string]interface{}
}

// NewEnvelope define a new envelope of a type, timestamped now
func NewEnvelope(msgType string, fields map[string]interface{}) Envelope {
	return Envelope{Type: msgType, Timestamp: time.Now().UTC(), Fields: fields}
}

// NewTextEnvelope wrap an unparseable raw payload as a plain text envelope
func NewTextEnvelope(raw []byte) Envelope {
	return NewEnvelope(MsgTypeText, map[string]interface{}{"content": string(raw)})
}

// ParseEnvelope parse a raw wire payload into an envelope
func ParseEnvelope(raw []byte) (Envelope, error) {
	var result Envelope
	if err := json.Unmarshal(raw, &result); err != nil {
		return Envelope{}, err
	}
	return result, nil
}

// envelopeReservedKeys keys which never appear in Envelope.Fields
var envelopeReservedKeys = []string{"type", "timestamp", "target", "from"}

// UnmarshalJSON implements json.Unmarshaler
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var reserved struct {
		Type      string      `json:"type"`
		Timestamp *time.Time  `json:"timestamp"`
		Target    Target      `json:"target"`
		From      *SenderInfo `json:"from"`
	}
	if err := json.Unmarshal(data, &reserved); err != nil {
		return err
	}
	if reserved.Type == "" {
		return fmt.Errorf("envelope carries no type discriminator")
	}
	fields := map[string]interface{}{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, key := range envelopeReservedKeys {
		delete(fields, key)
	}
	e.Type = reserved.Type
	if reserved.Timestamp != nil {
		e.Timestamp = *reserved.Timestamp
	} else {
		e.Timestamp = time.Time{}
	}
	e.Target = reserved.Target
	e.From = reserved.From
	e.Fields = fields
	return nil
}

// MarshalJSON implements json.Marshaler
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Fields)+len(envelopeReservedKeys))
	for key, value := range e.Fields {
		out[key] = value
	}
	out["type"] = e.Type
	timestamp := e.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	out["timestamp"] = timestamp.UTC().Format(time.RFC3339Nano)
	if len(e.Target) > 0 {
		out["target"] = e.Target
	}
	if e.From != nil {
		out["from"] = e.From
	}
	return json.Marshal(out)
}

// Serialize form the wire payload of the envelope
func (e Envelope) Serialize() ([]byte, error) {
	return json.Marshal(&e)
}

// StringField read a payload field as a string
func (e Envelope) StringField(name string) (string, bool) {
	raw, ok := e.Fields[name]
	if !ok {
		return "", false
	}
	asString, ok := raw.(string)
	return asString, ok
}

// WithSender derive a delivery copy of the envelope carrying the sender stamp.
//
// The addressing expression is consumed during routing and does not appear on
// the delivered copy.
func (e Envelope) WithSender(sender SenderInfo) Envelope {
	fields := make(map[string]interface{}, len(e.Fields))
	for key, value := range e.Fields {
		fields[key] = value
	}
	derived := e
	derived.Fields = fields
	derived.Target = nil
	derived.From = &sender
	return derived
}
