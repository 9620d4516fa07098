package broker

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/thasv012/runes-analytics-pro-sub001/common"
)

// MessageBroker owns the connection registry, the subscription index, the
// message router, and the stats collector of one message bus instance.
//
// Every registry mutation is executed on a single event loop. Each transport
// event is handled to completion before the next one is processed, so the
// shared maps never see interleaved writers. Multiple independent broker
// instances can operate side by side.
type MessageBroker interface {
	// Start start the broker event loop and the heartbeat sweep
	Start() error
	// Stop broadcast server_shutdown to every connected client, close all
	// connections, and halt the event loop
	Stop(ctxt context.Context) error
	// AdmitClient run a newly opened transport through admission. A rejected
	// connection never receives a registry entry. On success the assigned ID
	// is returned in the client snapshot, and the welcome envelope is sent
	// before this call returns.
	AdmitClient(
		ctxt context.Context, identity ClientIdentity, transport ClientTransport, remoteAddr string,
	) (ClientInfo, error)
	// ClientClosed notify the registry that a transport closed
	ClientClosed(ctxt context.Context, clientID string, closeCode int, reason string) error
	// ReceivedMessage hand one inbound wire payload to the message router
	ReceivedMessage(ctxt context.Context, clientID string, payload []byte) error
	// TouchClient record transport-level activity for a client
	TouchClient(ctxt context.Context, clientID string) error
	// GetClient fetch the snapshot of one registered client
	GetClient(ctxt context.Context, clientID string) (ClientInfo, error)
	// ListClients fetch the snapshots of all registered clients
	ListClients(ctxt context.Context) ([]ClientInfo, error)
	// Stats fetch the current broker counters
	Stats(ctxt context.Context) (StatsSnapshot, error)
}

// BrokerParams parameters for defining a new MessageBroker
type BrokerParams struct {
	// Instance name of this broker instance
	Instance string `validate:"required"`
	// Config the broker config parameters
	Config common.BusConfig `validate:"required,dive"`
	// Admission optional admission predicate. Nil accepts everything.
	Admission AdmissionFunc
	// Hooks optional application callbacks
	Hooks EventHooks
	// RootContext the broker's lifetime context
	RootContext context.Context `validate:"required"`
	// WG the wait group tracking broker goroutines
	WG *sync.WaitGroup `validate:"required"`
}

// messageBrokerImpl implements MessageBroker
type messageBrokerImpl struct {
	common.Component
	config      common.BusConfig
	tp          common.TaskProcessor
	heartbeat   common.IntervalTimer
	rootContext context.Context
	wg          *sync.WaitGroup
	admission   AdmissionFunc
	hooks       EventHooks
	// registry state, owned by the event loop
	clients map[string]*clientRecord
	index   *SubscriptionIndex
	stats   Stats
	stopped bool
}

// GetMessageBroker define a new MessageBroker
func GetMessageBroker(params BrokerParams) (MessageBroker, error) {
	logTags := log.Fields{
		"module":    "broker",
		"component": "message-broker",
		"instance":  params.Instance,
	}
	tp, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("broker/%s", params.Instance), params.Config.TaskQueueLen,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define task processor")
		return nil, err
	}
	heartbeat, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("broker-heartbeat/%s", params.Instance), params.RootContext, params.WG,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define heartbeat timer")
		return nil, err
	}
	instance := messageBrokerImpl{
		Component:   common.Component{LogTags: logTags},
		config:      params.Config,
		tp:          tp,
		heartbeat:   heartbeat,
		rootContext: params.RootContext,
		wg:          params.WG,
		admission:   params.Admission,
		hooks:       params.Hooks,
		clients:     make(map[string]*clientRecord),
		index:       NewSubscriptionIndex(),
		stats:       Stats{StartedAt: time.Now().UTC()},
	}
	// Add handlers
	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(brokerTaskAdmitClient{}):    instance.processAdmitClient,
		reflect.TypeOf(brokerTaskClientClosed{}):   instance.processClientClosed,
		reflect.TypeOf(brokerTaskInboundMessage{}): instance.processInboundMessage,
		reflect.TypeOf(brokerTaskTouchClient{}):    instance.processTouchClient,
		reflect.TypeOf(brokerTaskGetClient{}):      instance.processGetClient,
		reflect.TypeOf(brokerTaskListClients{}):    instance.processListClients,
		reflect.TypeOf(brokerTaskReadStats{}):      instance.processReadStats,
		reflect.TypeOf(brokerTaskHeartbeatSweep{}): instance.processHeartbeatSweep,
		reflect.TypeOf(brokerTaskShutdown{}):       instance.processShutdown,
	}
	if err := tp.SetTaskExecutionMap(handlers); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define task handlers")
		return nil, err
	}
	return &instance, nil
}

// Start start the broker event loop and the heartbeat sweep
func (b *messageBrokerImpl) Start() error {
	if err := b.tp.StartEventLoop(b.wg); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to start event loop")
		return err
	}
	if b.config.Heartbeat.Enabled {
		interval := time.Second * time.Duration(b.config.Heartbeat.Interval)
		if err := b.heartbeat.Start(interval, func() error {
			return b.tp.Submit(b.rootContext, brokerTaskHeartbeatSweep{timestamp: time.Now().UTC()})
		}, false); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Failed to start heartbeat sweep")
			return err
		}
	}
	log.WithFields(b.LogTags).Info("Broker operational")
	return nil
}

// Stop broadcast server_shutdown, close every connection, halt the loop
func (b *messageBrokerImpl) Stop(ctxt context.Context) error {
	_ = b.heartbeat.Stop()
	resultChan := make(chan error)
	request := brokerTaskShutdown{
		timestamp: time.Now().UTC(),
		resultCB:  func(err error) { resultChan <- err },
	}
	if err := b.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to submit shutdown request")
		return err
	}
	select {
	case err := <-resultChan:
		if err != nil {
			return err
		}
	case <-ctxt.Done():
		return ctxt.Err()
	}
	if err := b.tp.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to stop event loop")
		return err
	}
	log.WithFields(b.LogTags).Info("Broker stopped")
	return nil
}

// =========================================================================
// Client admission

// ErrConnectionRejected admission predicate declined the pending connection
var ErrConnectionRejected = fmt.Errorf("connection rejected during admission")

type brokerTaskAdmitClient struct {
	timestamp  time.Time
	identity   ClientIdentity
	transport  ClientTransport
	remoteAddr string
	resultCB   func(info ClientInfo, err error)
}

// AdmitClient run a newly opened transport through admission
func (b *messageBrokerImpl) AdmitClient(
	ctxt context.Context, identity ClientIdentity, transport ClientTransport, remoteAddr string,
) (ClientInfo, error) {
	type admitResult struct {
		info ClientInfo
		err  error
	}
	resultChan := make(chan admitResult)
	request := brokerTaskAdmitClient{
		timestamp:  time.Now().UTC(),
		identity:   identity,
		transport:  transport,
		remoteAddr: remoteAddr,
		resultCB: func(info ClientInfo, err error) {
			resultChan <- admitResult{info: info, err: err}
		},
	}
	if err := b.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Failed to submit admission for '%s'", identity.Name,
		)
		return ClientInfo{}, err
	}
	select {
	case result := <-resultChan:
		return result.info, result.err
	case <-ctxt.Done():
		return ClientInfo{}, ctxt.Err()
	}
}

// processAdmitClient support TaskProcessor, handle brokerTaskAdmitClient
func (b *messageBrokerImpl) processAdmitClient(param interface{}) error {
	request, ok := param.(brokerTaskAdmitClient)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for client admission", reflect.TypeOf(param),
		)
	}
	info, err := b.ProcessAdmitClient(request.identity, request.transport, request.remoteAddr)
	request.resultCB(info, err)
	return err
}

// ProcessAdmitClient admit one pending connection into the registry
func (b *messageBrokerImpl) ProcessAdmitClient(
	identity ClientIdentity, transport ClientTransport, remoteAddr string,
) (ClientInfo, error) {
	if b.stopped {
		return ClientInfo{}, fmt.Errorf("broker is shutting down")
	}
	if b.admission != nil {
		accepted := false
		guardHook(b.LogTags, "Admission", func() {
			accepted = b.admission(identity, remoteAddr)
		})
		if !accepted {
			log.WithFields(b.LogTags).Infof(
				"Rejected pending connection '%s' from %s", identity.Name, remoteAddr,
			)
			return ClientInfo{}, ErrConnectionRejected
		}
	}
	now := time.Now().UTC()
	record := &clientRecord{
		id:           uuid.New().String(),
		identity:     identity,
		transport:    transport,
		groups:       make(map[string]bool),
		channels:     make(map[string]bool),
		connectedAt:  now,
		lastActiveAt: now,
	}
	b.clients[record.id] = record
	if identity.Group != "" {
		b.index.AddToGroup(identity.Group, record.id)
		record.groups[identity.Group] = true
	}
	if identity.Channel != "" {
		b.index.AddToChannel(identity.Channel, record.id)
		record.channels[identity.Channel] = true
	}
	b.stats.TotalConnections++
	// The welcome envelope carries the assigned ID back to the client
	welcome := common.NewEnvelope(
		common.MsgTypeConnection, map[string]interface{}{"clientId": record.id},
	)
	b.deliverEnvelope(record, welcome)
	log.WithFields(b.LogTags).Infof(
		"Admitted client '%s' [%s] as %s", identity.Name, identity.ClientType, record.id,
	)
	info := record.snapshot()
	if b.hooks.OnConnection != nil {
		guardHook(b.LogTags, "OnConnection", func() { b.hooks.OnConnection(info) })
	}
	return info, nil
}

// =========================================================================
// Client removal

type brokerTaskClientClosed struct {
	timestamp time.Time
	clientID  string
	closeCode int
	reason    string
}

// ClientClosed notify the registry that a transport closed
func (b *messageBrokerImpl) ClientClosed(
	ctxt context.Context, clientID string, closeCode int, reason string,
) error {
	request := brokerTaskClientClosed{
		timestamp: time.Now().UTC(),
		clientID:  clientID,
		closeCode: closeCode,
		reason:    reason,
	}
	return b.tp.Submit(ctxt, request)
}

// processClientClosed support TaskProcessor, handle brokerTaskClientClosed
func (b *messageBrokerImpl) processClientClosed(param interface{}) error {
	request, ok := param.(brokerTaskClientClosed)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for client removal", reflect.TypeOf(param),
		)
	}
	b.ProcessClientClosed(request.clientID, request.closeCode, request.reason)
	return nil
}

// ProcessClientClosed destroy a client's registry entry after transport close
func (b *messageBrokerImpl) ProcessClientClosed(clientID string, closeCode int, reason string) {
	record, ok := b.clients[clientID]
	if !ok {
		return
	}
	b.index.PurgeClient(clientID)
	delete(b.clients, clientID)
	final := record.snapshot()
	log.WithFields(b.LogTags).Infof(
		"Client %s disconnected, code %d [%s]", clientID, closeCode, reason,
	)
	if b.hooks.OnDisconnection != nil {
		guardHook(b.LogTags, "OnDisconnection", func() {
			b.hooks.OnDisconnection(final, closeCode, reason)
		})
	}
}

// =========================================================================
// Activity tracking

type brokerTaskTouchClient struct {
	timestamp time.Time
	clientID  string
}

// TouchClient record transport-level activity for a client
func (b *messageBrokerImpl) TouchClient(ctxt context.Context, clientID string) error {
	return b.tp.Submit(ctxt, brokerTaskTouchClient{
		timestamp: time.Now().UTC(), clientID: clientID,
	})
}

// processTouchClient support TaskProcessor, handle brokerTaskTouchClient
func (b *messageBrokerImpl) processTouchClient(param interface{}) error {
	request, ok := param.(brokerTaskTouchClient)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for activity update", reflect.TypeOf(param),
		)
	}
	if record, ok := b.clients[request.clientID]; ok {
		record.lastActiveAt = request.timestamp
	}
	return nil
}

// =========================================================================
// Queries

type brokerTaskGetClient struct {
	clientID string
	resultCB func(info ClientInfo, err error)
}

// GetClient fetch the snapshot of one registered client
func (b *messageBrokerImpl) GetClient(
	ctxt context.Context, clientID string,
) (ClientInfo, error) {
	type getResult struct {
		info ClientInfo
		err  error
	}
	resultChan := make(chan getResult)
	request := brokerTaskGetClient{
		clientID: clientID,
		resultCB: func(info ClientInfo, err error) {
			resultChan <- getResult{info: info, err: err}
		},
	}
	if err := b.tp.Submit(ctxt, request); err != nil {
		return ClientInfo{}, err
	}
	select {
	case result := <-resultChan:
		return result.info, result.err
	case <-ctxt.Done():
		return ClientInfo{}, ctxt.Err()
	}
}

// processGetClient support TaskProcessor, handle brokerTaskGetClient
func (b *messageBrokerImpl) processGetClient(param interface{}) error {
	request, ok := param.(brokerTaskGetClient)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for client query", reflect.TypeOf(param),
		)
	}
	record, ok := b.clients[request.clientID]
	if !ok {
		request.resultCB(ClientInfo{}, fmt.Errorf("client %s is not registered", request.clientID))
		return nil
	}
	request.resultCB(record.snapshot(), nil)
	return nil
}

type brokerTaskListClients struct {
	resultCB func(clients []ClientInfo)
}

// ListClients fetch the snapshots of all registered clients
func (b *messageBrokerImpl) ListClients(ctxt context.Context) ([]ClientInfo, error) {
	resultChan := make(chan []ClientInfo)
	request := brokerTaskListClients{
		resultCB: func(clients []ClientInfo) { resultChan <- clients },
	}
	if err := b.tp.Submit(ctxt, request); err != nil {
		return nil, err
	}
	select {
	case result := <-resultChan:
		return result, nil
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

// processListClients support TaskProcessor, handle brokerTaskListClients
func (b *messageBrokerImpl) processListClients(param interface{}) error {
	request, ok := param.(brokerTaskListClients)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for client listing", reflect.TypeOf(param),
		)
	}
	clients := make([]ClientInfo, 0, len(b.clients))
	for _, record := range b.clients {
		clients = append(clients, record.snapshot())
	}
	request.resultCB(clients)
	return nil
}

type brokerTaskReadStats struct {
	resultCB func(snapshot StatsSnapshot)
}

// Stats fetch the current broker counters
func (b *messageBrokerImpl) Stats(ctxt context.Context) (StatsSnapshot, error) {
	resultChan := make(chan StatsSnapshot)
	request := brokerTaskReadStats{
		resultCB: func(snapshot StatsSnapshot) { resultChan <- snapshot },
	}
	if err := b.tp.Submit(ctxt, request); err != nil {
		return StatsSnapshot{}, err
	}
	select {
	case result := <-resultChan:
		return result, nil
	case <-ctxt.Done():
		return StatsSnapshot{}, ctxt.Err()
	}
}

// processReadStats support TaskProcessor, handle brokerTaskReadStats
func (b *messageBrokerImpl) processReadStats(param interface{}) error {
	request, ok := param.(brokerTaskReadStats)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for stats query", reflect.TypeOf(param),
		)
	}
	request.resultCB(StatsSnapshot{
		Stats:         b.stats,
		ActiveClients: len(b.clients),
		Groups:        b.index.GroupCount(),
		Channels:      b.index.ChannelCount(),
	})
	return nil
}

// =========================================================================
// Heartbeat sweep

type brokerTaskHeartbeatSweep struct {
	timestamp time.Time
}

// processHeartbeatSweep support TaskProcessor, handle brokerTaskHeartbeatSweep
func (b *messageBrokerImpl) processHeartbeatSweep(param interface{}) error {
	request, ok := param.(brokerTaskHeartbeatSweep)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for heartbeat sweep", reflect.TypeOf(param),
		)
	}
	idleLimit := time.Second * time.Duration(b.config.Heartbeat.IdleTimeout)
	pingDeadline := request.timestamp.Add(time.Second * 5)
	var expired []string
	for clientID, record := range b.clients {
		if request.timestamp.Sub(record.lastActiveAt) > idleLimit {
			expired = append(expired, clientID)
			continue
		}
		if err := record.transport.Ping(pingDeadline); err != nil {
			log.WithError(err).WithFields(b.LogTags).Debugf(
				"Liveness probe for %s failed", clientID,
			)
		}
	}
	// Reclaim entries for connections that died without a close event
	for _, clientID := range expired {
		record := b.clients[clientID]
		log.WithFields(b.LogTags).Warnf("Evicting idle client %s", clientID)
		_ = record.transport.Close(websocket.ClosePolicyViolation, "idle timeout")
		b.ProcessClientClosed(clientID, websocket.ClosePolicyViolation, "idle timeout")
	}
	return nil
}

// =========================================================================
// Shutdown

type brokerTaskShutdown struct {
	timestamp time.Time
	resultCB  func(err error)
}

// processShutdown support TaskProcessor, handle brokerTaskShutdown
func (b *messageBrokerImpl) processShutdown(param interface{}) error {
	request, ok := param.(brokerTaskShutdown)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for broker shutdown", reflect.TypeOf(param),
		)
	}
	b.stopped = true
	notice := common.NewEnvelope(common.MsgTypeServerShutdown, nil)
	// Every live client hears about the shutdown before its connection closes
	for clientID, record := range b.clients {
		b.deliverEnvelope(record, notice)
		_ = record.transport.Close(websocket.CloseNormalClosure, "server shutdown")
		b.index.PurgeClient(clientID)
		delete(b.clients, clientID)
	}
	request.resultCB(nil)
	return nil
}
