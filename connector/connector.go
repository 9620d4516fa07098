// Copyright 2024-2025 The runes-analytics Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connector

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/thasv012/runes-analytics-pro-sub001/common"
)

// State connector lifecycle state
type State string

// Connector lifecycle states
const (
	// StateIdle no connection and none pending
	StateIdle State = "idle"
	// StateConnecting handshake in flight
	StateConnecting State = "connecting"
	// StateOpen connection established
	StateOpen State = "open"
	// StateReconnectWait waiting out the interval before the next attempt
	StateReconnectWait State = "reconnect_wait"
	// StateFailed retry budget exhausted. Requires an explicit Connect call
	// to resume.
	StateFailed State = "failed"
)

// SendStatus outcome of a send call
type SendStatus string

// Send outcomes
const (
	// SendStatusSent the envelope went out on the wire
	SendStatusSent SendStatus = "sent"
	// SendStatusQueued the connector is not open, the envelope waits in the
	// outbound queue
	SendStatusQueued SendStatus = "queued"
	// SendStatusFailed the transport write failed
	SendStatusFailed SendStatus = "failed"
)

// ErrReconnectExhausted the connector hit its retry ceiling
var ErrReconnectExhausted = fmt.Errorf("reconnect attempt ceiling reached")

// CatchAllEvent listener event name receiving every inbound envelope
const CatchAllEvent = "message"

// ListenerFunc callback receiving inbound envelopes
type ListenerFunc func(msg common.Envelope)

// EventHooks optional application callbacks for connection lifecycle events.
// Every member may be nil. Invocations run inside a failure boundary.
type EventHooks struct {
	// OnConnect fires after each successful open
	OnConnect func()
	// OnDisconnect fires after the transport closes. The error is nil on a
	// clean, intentional close.
	OnDisconnect func(err error)
	// OnMessage receives every inbound envelope
	OnMessage func(msg common.Envelope)
	// OnError receives terminal connector failures
	OnError func(err error)
}

// Connector manages one outbound bus connection: lifecycle, reconnection
// policy, outbound queueing, and event listener fan-out.
type Connector interface {
	// Connect open the connection. Returns once the transport is open, or
	// with the open-time error.
	Connect(ctxt context.Context) error
	// Close close the connection intentionally. No reconnection follows.
	Close() error
	// Send form an envelope and transmit it, queueing while not open
	Send(msgType string, fields map[string]interface{}, target ...string) (SendStatus, error)
	// SendEnvelope transmit a prepared envelope, queueing while not open
	SendEnvelope(msg common.Envelope) (SendStatus, error)
	// On register a listener for an envelope type, or for CatchAllEvent.
	// The returned closure unregisters the listener.
	On(event string, listener ListenerFunc) func()
	// State read the current lifecycle state
	State() State
	// ClientID read the broker assigned ID, empty before the welcome arrives
	ClientID() string
	// QueueDepth read the current outbound queue depth
	QueueDepth() int
}

// ConnectorParams parameters for defining a new Connector
type ConnectorParams struct {
	// Config the connector config parameters
	Config common.ConnectorConfig `validate:"required,dive"`
	// Hooks optional application callbacks
	Hooks EventHooks
	// RootContext the connector's lifetime context
	RootContext context.Context `validate:"required"`
	// WG the wait group tracking connector goroutines
	WG *sync.WaitGroup `validate:"required"`
}

// connectorImpl implements Connector
type connectorImpl struct {
	common.Component
	config         common.ConnectorConfig
	hooks          EventHooks
	rootContext    context.Context
	wg             *sync.WaitGroup
	reconnectTimer common.IntervalTimer
	// lock guards all mutable state below
	lock      *sync.Mutex
	writeLock *sync.Mutex
	state     State
	conn      *websocket.Conn
	clientID  string
	attempts  int
	// intentional marks a close requested through Close
	intentional bool
	queue       []common.Envelope
	listeners   map[string]map[int]ListenerFunc
	nextID      int
}

// GetConnector define a new Connector
func GetConnector(params ConnectorParams) (Connector, error) {
	logTags := log.Fields{
		"module":    "connector",
		"component": "bus-connector",
		"instance":  params.Config.Name,
	}
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("reconnect/%s", params.Config.Name), params.RootContext, params.WG,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define reconnect timer")
		return nil, err
	}
	return &connectorImpl{
		Component:      common.Component{LogTags: logTags},
		config:         params.Config,
		hooks:          params.Hooks,
		rootContext:    params.RootContext,
		wg:             params.WG,
		reconnectTimer: timer,
		lock:           &sync.Mutex{},
		writeLock:      &sync.Mutex{},
		state:          StateIdle,
		queue:          nil,
		listeners:      make(map[string]map[int]ListenerFunc),
	}, nil
}

// =========================================================================
// Lifecycle

// Connect open the connection
func (c *connectorImpl) Connect(ctxt context.Context) error {
	c.lock.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.lock.Unlock()
		return fmt.Errorf("connector is already %s", c.state)
	}
	c.state = StateConnecting
	c.intentional = false
	c.lock.Unlock()
	if err := c.dialAndOpen(ctxt); err != nil {
		c.handleTransportDown(err)
		return err
	}
	return nil
}

// dialAndOpen dial the broker, flush the outbound queue, start the read pump
func (c *connectorImpl) dialAndOpen(ctxt context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Invalid broker URI '%s'", c.config.ServerURI,
		)
		return err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: time.Second * time.Duration(c.config.ConnectTimeout),
	}
	conn, _, err := dialer.DialContext(ctxt, target, nil)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to reach broker at %s", target)
		return err
	}

	c.lock.Lock()
	c.conn = conn
	c.attempts = 0
	c.lock.Unlock()

	// Flush queued envelopes strictly in enqueue order before any newly
	// issued send can reach the wire. Sends racing the flush still observe a
	// non-open state and join the queue.
	for {
		c.lock.Lock()
		if len(c.queue) == 0 {
			c.state = StateOpen
			c.lock.Unlock()
			break
		}
		batch := c.queue
		c.queue = nil
		c.lock.Unlock()
		for idx, queued := range batch {
			if err := c.writeEnvelope(conn, queued); err != nil {
				log.WithError(err).WithFields(c.LogTags).Error("Queue flush failed")
				// Unsent envelopes go back to the head of the queue
				c.lock.Lock()
				c.queue = append(batch[idx:], c.queue...)
				c.lock.Unlock()
				_ = conn.Close()
				return err
			}
		}
	}

	log.WithFields(c.LogTags).Infof("Connected to %s", target)
	c.wg.Add(1)
	go c.readPump(conn)
	if c.hooks.OnConnect != nil {
		guardCallback(c.LogTags, "OnConnect", func() { c.hooks.OnConnect() })
	}
	return nil
}

// dialURL form the handshake URL carrying the identity attributes
func (c *connectorImpl) dialURL() (string, error) {
	parsed, err := url.Parse(c.config.ServerURI)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set(common.HandshakeParamType, c.config.ClientType)
	query.Set(common.HandshakeParamName, c.config.Name)
	if c.config.Group != "" {
		query.Set(common.HandshakeParamGroup, c.config.Group)
	}
	if c.config.Channel != "" {
		query.Set(common.HandshakeParamChannel, c.config.Channel)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// Close close the connection intentionally
func (c *connectorImpl) Close() error {
	c.lock.Lock()
	c.intentional = true
	conn := c.conn
	if conn == nil {
		// Cancels a pending reconnect wait as well
		c.state = StateIdle
	}
	c.lock.Unlock()
	_ = c.reconnectTimer.Stop()
	if conn == nil {
		return nil
	}
	c.writeLock.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
		time.Now().Add(time.Second),
	)
	c.writeLock.Unlock()
	return conn.Close()
}

// readPump read inbound frames until the transport closes
func (c *connectorImpl) readPump(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleTransportDown(err)
			return
		}
		msg, parseErr := common.ParseEnvelope(payload)
		if parseErr != nil {
			msg = common.NewTextEnvelope(payload)
		}
		c.dispatchInbound(msg)
	}
}

// dispatchInbound hand one inbound envelope to the hooks and listeners
func (c *connectorImpl) dispatchInbound(msg common.Envelope) {
	// The first welcome pins the assigned ID. Later welcomes are ignored.
	if msg.Type == common.MsgTypeConnection {
		if assigned, ok := msg.StringField("clientId"); ok {
			c.lock.Lock()
			if c.clientID == "" {
				c.clientID = assigned
				log.WithFields(c.LogTags).Infof("Broker assigned ID %s", assigned)
			}
			c.lock.Unlock()
		}
	}
	if c.hooks.OnMessage != nil {
		guardCallback(c.LogTags, "OnMessage", func() { c.hooks.OnMessage(msg) })
	}
	c.emit(msg.Type, msg)
	c.emit(CatchAllEvent, msg)
}

// handleTransportDown react to the transport closing or failing to open
func (c *connectorImpl) handleTransportDown(cause error) {
	c.lock.Lock()
	c.conn = nil
	clean := c.intentional || websocket.IsCloseError(cause, websocket.CloseNormalClosure)
	if clean {
		c.state = StateIdle
		c.lock.Unlock()
		log.WithFields(c.LogTags).Info("Connection closed cleanly")
		if c.hooks.OnDisconnect != nil {
			guardCallback(c.LogTags, "OnDisconnect", func() { c.hooks.OnDisconnect(nil) })
		}
		return
	}
	retry := c.config.Reconnect.Enabled && c.attempts < c.config.Reconnect.MaxAttempts
	if retry {
		c.attempts++
		c.state = StateReconnectWait
		attempt := c.attempts
		c.lock.Unlock()
		log.WithError(cause).WithFields(c.LogTags).Warnf(
			"Connection lost, scheduling reconnect attempt %d of %d",
			attempt, c.config.Reconnect.MaxAttempts,
		)
		if c.hooks.OnDisconnect != nil {
			guardCallback(c.LogTags, "OnDisconnect", func() { c.hooks.OnDisconnect(cause) })
		}
		// One owned timer. Restarting it cancels any previous schedule, so a
		// single reconnection is ever in flight.
		interval := time.Second * time.Duration(c.config.Reconnect.WaitInterval)
		if err := c.reconnectTimer.Start(interval, c.attemptReconnect, true); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Unable to schedule reconnect")
		}
		return
	}
	c.state = StateFailed
	c.lock.Unlock()
	log.WithError(cause).WithFields(c.LogTags).Error("Connection lost, retry budget exhausted")
	if c.hooks.OnDisconnect != nil {
		guardCallback(c.LogTags, "OnDisconnect", func() { c.hooks.OnDisconnect(cause) })
	}
	if c.hooks.OnError != nil {
		guardCallback(c.LogTags, "OnError", func() { c.hooks.OnError(ErrReconnectExhausted) })
	}
}

// attemptReconnect timer callback performing one reconnection attempt
func (c *connectorImpl) attemptReconnect() error {
	c.lock.Lock()
	if c.state != StateReconnectWait {
		c.lock.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.lock.Unlock()
	if err := c.dialAndOpen(c.rootContext); err != nil {
		c.handleTransportDown(err)
		return err
	}
	return nil
}

// =========================================================================
// Sending

// Send form an envelope and transmit it, queueing while not open
func (c *connectorImpl) Send(
	msgType string, fields map[string]interface{}, target ...string,
) (SendStatus, error) {
	msg := common.NewEnvelope(msgType, fields)
	if len(target) > 0 {
		msg.Target = common.Target(target)
	}
	return c.SendEnvelope(msg)
}

// SendEnvelope transmit a prepared envelope, queueing while not open
func (c *connectorImpl) SendEnvelope(msg common.Envelope) (SendStatus, error) {
	c.lock.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.queue = append(c.queue, msg)
		depth := len(c.queue)
		c.lock.Unlock()
		log.WithFields(c.LogTags).Debugf("Not open, queued '%s' at depth %d", msg.Type, depth)
		return SendStatusQueued, nil
	}
	conn := c.conn
	c.lock.Unlock()
	if err := c.writeEnvelope(conn, msg); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Transmit of '%s' failed", msg.Type)
		return SendStatusFailed, err
	}
	return SendStatusSent, nil
}

// writeEnvelope serialize and write one envelope frame
func (c *connectorImpl) writeEnvelope(conn *websocket.Conn, msg common.Envelope) error {
	payload, err := msg.Serialize()
	if err != nil {
		return err
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(time.Second * 10)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// =========================================================================
// Listener fan-out

// On register a listener for an envelope type, or for CatchAllEvent
func (c *connectorImpl) On(event string, listener ListenerFunc) func() {
	c.lock.Lock()
	defer c.lock.Unlock()
	registered, ok := c.listeners[event]
	if !ok {
		registered = make(map[int]ListenerFunc)
		c.listeners[event] = registered
	}
	id := c.nextID
	c.nextID++
	registered[id] = listener
	return func() {
		c.lock.Lock()
		defer c.lock.Unlock()
		if current, ok := c.listeners[event]; ok {
			delete(current, id)
			if len(current) == 0 {
				delete(c.listeners, event)
			}
		}
	}
}

// emit dispatch an envelope to every listener registered for an event.
//
// Each listener runs inside its own failure boundary so one faulty callback
// cannot prevent delivery to the others.
func (c *connectorImpl) emit(event string, msg common.Envelope) {
	c.lock.Lock()
	registered := make([]ListenerFunc, 0, len(c.listeners[event]))
	for _, listener := range c.listeners[event] {
		registered = append(registered, listener)
	}
	c.lock.Unlock()
	for _, listener := range registered {
		target := listener
		guardCallback(c.LogTags, event, func() { target(msg) })
	}
}

// =========================================================================
// Introspection

// State read the current lifecycle state
func (c *connectorImpl) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// ClientID read the broker assigned ID
func (c *connectorImpl) ClientID() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.clientID
}

// QueueDepth read the current outbound queue depth
func (c *connectorImpl) QueueDepth() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.queue)
}

// guardCallback invoke an application callback inside a failure boundary
func guardCallback(tags log.Fields, name string, callback func()) {
	defer func() {
		if p := recover(); p != nil {
			log.WithFields(tags).Errorf("Callback %s paniced: %v", name, p)
		}
	}()
	callback()
}
