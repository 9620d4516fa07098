package broker

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/thasv012/runes-analytics-pro-sub001/common"
)

// The message router: parses inbound envelopes, intercepts control messages,
// resolves addressing targets against the registry and subscription index,
// and dispatches to the recipients' transport handles. All of it runs on the
// broker event loop.

type brokerTaskInboundMessage struct {
	timestamp time.Time
	clientID  string
	payload   []byte
}

// ReceivedMessage hand one inbound wire payload to the message router
func (b *messageBrokerImpl) ReceivedMessage(
	ctxt context.Context, clientID string, payload []byte,
) error {
	request := brokerTaskInboundMessage{
		timestamp: time.Now().UTC(), clientID: clientID, payload: payload,
	}
	return b.tp.Submit(ctxt, request)
}

// processInboundMessage support TaskProcessor, handle brokerTaskInboundMessage
func (b *messageBrokerImpl) processInboundMessage(param interface{}) error {
	request, ok := param.(brokerTaskInboundMessage)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for inbound message", reflect.TypeOf(param),
		)
	}
	b.ProcessInboundMessage(request.clientID, request.payload, request.timestamp)
	return nil
}

// ProcessInboundMessage route one inbound wire payload from a client
func (b *messageBrokerImpl) ProcessInboundMessage(
	clientID string, payload []byte, receivedAt time.Time,
) {
	record, ok := b.clients[clientID]
	if !ok {
		log.WithFields(b.LogTags).Debugf("Dropping message from unknown client %s", clientID)
		return
	}
	record.lastActiveAt = receivedAt
	record.messagesSent++
	b.stats.MessagesReceived++
	// A parse failure never rejects the connection. The raw payload is
	// forwarded as a plain text envelope instead.
	msg, err := common.ParseEnvelope(payload)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Debugf(
			"Client %s sent an unparseable payload", clientID,
		)
		msg = common.NewTextEnvelope(payload)
	}
	switch msg.Type {
	case common.MsgTypeSubscribe:
		b.handleSubscribe(record, msg)
	case common.MsgTypeUnsubscribe:
		b.handleUnsubscribe(record, msg)
	case common.MsgTypeJoin:
		b.handleJoin(record, msg)
	case common.MsgTypeLeave:
		b.handleLeave(record, msg)
	case common.MsgTypePing:
		b.deliverEnvelope(record, common.NewEnvelope(common.MsgTypePong, nil))
	default:
		if len(msg.Target) > 0 {
			b.routeEnvelope(record, msg)
			return
		}
		// Untargeted traffic is the application's to interpret
		if b.hooks.OnMessage != nil {
			sender := record.snapshot()
			guardHook(b.LogTags, "OnMessage", func() { b.hooks.OnMessage(sender, msg) })
		}
	}
}

// handleSubscribe process a subscribe{channel} control message
func (b *messageBrokerImpl) handleSubscribe(record *clientRecord, msg common.Envelope) {
	channel, ok := msg.StringField("channel")
	if !ok {
		log.WithFields(b.LogTags).Debugf("Client %s subscribe names no channel", record.id)
		return
	}
	b.index.AddToChannel(channel, record.id)
	record.channels[channel] = true
	b.deliverEnvelope(record, common.NewEnvelope(
		common.MsgTypeSubscription, map[string]interface{}{
			"status": common.SubscriptionStatusSuccess, "channel": channel,
		},
	))
}

// handleUnsubscribe process an unsubscribe{channel} control message
func (b *messageBrokerImpl) handleUnsubscribe(record *clientRecord, msg common.Envelope) {
	channel, ok := msg.StringField("channel")
	if !ok {
		log.WithFields(b.LogTags).Debugf("Client %s unsubscribe names no channel", record.id)
		return
	}
	b.index.RemoveFromChannel(channel, record.id)
	delete(record.channels, channel)
	b.deliverEnvelope(record, common.NewEnvelope(
		common.MsgTypeSubscription, map[string]interface{}{
			"status": common.SubscriptionStatusCanceled, "channel": channel,
		},
	))
}

// handleJoin process a join{group} control message
func (b *messageBrokerImpl) handleJoin(record *clientRecord, msg common.Envelope) {
	group, ok := msg.StringField("group")
	if !ok {
		log.WithFields(b.LogTags).Debugf("Client %s join names no group", record.id)
		return
	}
	b.index.AddToGroup(group, record.id)
	record.groups[group] = true
}

// handleLeave process a leave{group} control message
func (b *messageBrokerImpl) handleLeave(record *clientRecord, msg common.Envelope) {
	group, ok := msg.StringField("group")
	if !ok {
		log.WithFields(b.LogTags).Debugf("Client %s leave names no group", record.id)
		return
	}
	b.index.RemoveFromGroup(group, record.id)
	delete(record.groups, group)
}

// routeEnvelope resolve a targeted envelope's recipient set and deliver
//
// A recipient selected through several expressions of one target still
// receives a single copy.
func (b *messageBrokerImpl) routeEnvelope(sender *clientRecord, msg common.Envelope) {
	recipients := make(map[string]bool)
	for _, expression := range msg.Target {
		b.resolveTarget(expression, recipients)
	}
	stamped := msg.WithSender(sender.snapshot().SenderInfo())
	for clientID := range recipients {
		recipient, ok := b.clients[clientID]
		if !ok {
			log.WithFields(b.LogTags).Debugf("Target %s is not registered", clientID)
			continue
		}
		b.deliverEnvelope(recipient, stamped)
	}
}

// resolveTarget expand one addressing expression into client IDs
func (b *messageBrokerImpl) resolveTarget(expression string, out map[string]bool) {
	switch {
	case expression == common.TargetAll || expression == common.TargetAllAlias:
		for clientID := range b.clients {
			out[clientID] = true
		}
	case strings.HasPrefix(expression, common.TargetGroupPrefix):
		group := strings.TrimPrefix(expression, common.TargetGroupPrefix)
		for _, clientID := range b.index.GroupMembers(group) {
			out[clientID] = true
		}
	case strings.HasPrefix(expression, common.TargetChannelPrefix):
		channel := strings.TrimPrefix(expression, common.TargetChannelPrefix)
		for _, clientID := range b.index.ChannelMembers(channel) {
			out[clientID] = true
		}
	case strings.HasPrefix(expression, common.TargetTypePrefix):
		clientType := strings.TrimPrefix(expression, common.TargetTypePrefix)
		for clientID, record := range b.clients {
			if record.identity.ClientType == clientType {
				out[clientID] = true
			}
		}
	default:
		// Anything else is a literal client ID
		out[expression] = true
	}
}

// deliverEnvelope write one envelope to a recipient's transport handle.
//
// A failed write is isolated to that recipient. It is counted and surfaced
// through the error hook, never raised.
func (b *messageBrokerImpl) deliverEnvelope(record *clientRecord, msg common.Envelope) bool {
	if record.transport.SendEnvelope(msg) {
		record.messagesReceived++
		b.stats.MessagesSent++
		return true
	}
	b.stats.Errors++
	log.WithFields(b.LogTags).Debugf("Delivery of '%s' to %s failed", msg.Type, record.id)
	if b.hooks.OnError != nil {
		deliveryErr := fmt.Errorf("delivery of '%s' envelope to %s failed", msg.Type, record.id)
		guardHook(b.LogTags, "OnError", func() { b.hooks.OnError(record.id, deliveryErr) })
	}
	return false
}
