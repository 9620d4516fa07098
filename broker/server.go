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

package broker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/thasv012/runes-analytics-pro-sub001/common"
)

// wsWriteTimeout deadline applied to every outbound frame
const wsWriteTimeout = time.Second * 10

// BusEndpointHandler HTTP handler terminating websocket handshakes for one
// broker instance
type BusEndpointHandler interface {
	// NewConnectionHandler HTTP handler function for the bus endpoint
	NewConnectionHandler() http.HandlerFunc
}

// busEndpointHandlerImpl implements BusEndpointHandler
type busEndpointHandlerImpl struct {
	common.Component
	broker      MessageBroker
	config      common.BusConfig
	upgrader    websocket.Upgrader
	validate    *validator.Validate
	rootContext context.Context
	wg          *sync.WaitGroup
}

// GetBusEndpointHandler define a new BusEndpointHandler
func GetBusEndpointHandler(
	messageBroker MessageBroker,
	config common.BusConfig,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (BusEndpointHandler, error) {
	logTags := log.Fields{
		"module":    "broker",
		"component": "bus-endpoint",
	}
	return &busEndpointHandlerImpl{
		Component: common.Component{LogTags: logTags},
		broker:    messageBroker,
		config:    config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		validate:    validator.New(),
		rootContext: rootCtxt,
		wg:          wg,
	}, nil
}

// NewConnectionHandler HTTP handler function for the bus endpoint
func (h *busEndpointHandlerImpl) NewConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.HandleConnection(w, r)
	}
}

// HandleConnection terminate one websocket handshake and pump its messages
func (h *busEndpointHandlerImpl) HandleConnection(w http.ResponseWriter, r *http.Request) {
	// Identity attributes ride on the handshake query parameters
	query := r.URL.Query()
	identity := ClientIdentity{
		ClientType: query.Get(common.HandshakeParamType),
		Name:       query.Get(common.HandshakeParamName),
		Group:      query.Get(common.HandshakeParamGroup),
		Channel:    query.Get(common.HandshakeParamChannel),
	}
	if err := h.validate.Struct(&identity); err != nil {
		log.WithError(err).WithFields(h.LogTags).Infof(
			"Handshake from %s carries incomplete identity", r.RemoteAddr,
		)
		http.Error(w, "connection requires 'type' and 'name' parameters", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Websocket upgrade for %s failed", r.RemoteAddr,
		)
		return
	}

	session := getWSSession(conn, h.config.SendBufferLen, identity.Name)
	session.startWritePump(h.wg)

	info, err := h.broker.AdmitClient(h.rootContext, identity, session, r.RemoteAddr)
	if err != nil {
		_ = session.Close(websocket.ClosePolicyViolation, "connection rejected")
		return
	}

	conn.SetPongHandler(func(string) error {
		return h.broker.TouchClient(h.rootContext, info.ID)
	})

	h.readPump(info.ID, session, conn)
}

// readPump read inbound frames until the transport closes.
//
// Messages from one connection reach the router in the order the transport
// delivered them.
func (h *busEndpointHandlerImpl) readPump(
	clientID string, session *wsSession, conn *websocket.Conn,
) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			closeCode := websocket.CloseAbnormalClosure
			reason := err.Error()
			if closeErr, ok := err.(*websocket.CloseError); ok {
				closeCode = closeErr.Code
				reason = closeErr.Text
			}
			if submitErr := h.broker.ClientClosed(
				h.rootContext, clientID, closeCode, reason,
			); submitErr != nil {
				log.WithError(submitErr).WithFields(h.LogTags).Debugf(
					"Close notification for %s was not accepted", clientID,
				)
			}
			session.shutdown()
			return
		}
		if err := h.broker.ReceivedMessage(h.rootContext, clientID, payload); err != nil {
			log.WithError(err).WithFields(h.LogTags).Debugf(
				"Inbound message from %s was not accepted", clientID,
			)
			session.shutdown()
			return
		}
	}
}

// =========================================================================

// wsSession ClientTransport over one gorilla websocket connection.
//
// Outbound envelopes pass through a buffered channel drained by a dedicated
// write pump, so a slow client never stalls the broker event loop. A full or
// closed buffer is a failed delivery.
type wsSession struct {
	common.Component
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
}

// getWSSession define a new wsSession wrapping an upgraded connection
func getWSSession(conn *websocket.Conn, sendBufferLen int, instance string) *wsSession {
	logTags := log.Fields{
		"module":    "broker",
		"component": "ws-session",
		"instance":  instance,
	}
	return &wsSession{
		Component: common.Component{LogTags: logTags},
		conn:      conn,
		send:      make(chan []byte, sendBufferLen),
		closed:    make(chan struct{}),
		drained:   make(chan struct{}),
	}
}

// SendEnvelope queue an envelope for transmission
func (s *wsSession) SendEnvelope(msg common.Envelope) bool {
	payload, err := msg.Serialize()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to serialize '%s'", msg.Type)
		return false
	}
	select {
	case <-s.closed:
		return false
	case <-s.drained:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		log.WithFields(s.LogTags).Warn("Send buffer full, dropping envelope")
		return false
	}
}

// Ping issue a websocket ping control frame
func (s *wsSession) Ping(deadline time.Time) error {
	return s.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline)
}

// Close flush pending envelopes, send the close frame, and drop the socket
func (s *wsSession) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		select {
		case <-s.drained:
		case <-time.After(time.Second * 3):
			log.WithFields(s.LogTags).Warn("Write pump did not drain in time")
		}
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
	})
	return err
}

// shutdown release the session after a read failure without a close handshake
func (s *wsSession) shutdown() {
	_ = s.Close(websocket.CloseAbnormalClosure, "session shutdown")
}

// startWritePump start the goroutine draining the send buffer
func (s *wsSession) startWritePump(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(s.drained)
		for {
			select {
			case <-s.closed:
				// Flush whatever is still queued before handing back
				for {
					select {
					case payload := <-s.send:
						if !s.writeFrame(payload) {
							return
						}
					default:
						return
					}
				}
			case payload := <-s.send:
				if !s.writeFrame(payload) {
					return
				}
			}
		}
	}()
}

// writeFrame write one text frame with the session write deadline
func (s *wsSession) writeFrame(payload []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Unable to arm write deadline")
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Frame write failed")
		return false
	}
	return true
}

// =========================================================================

// sanity check the session satisfies the registry transport contract
var _ ClientTransport = (*wsSession)(nil)
