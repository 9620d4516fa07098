package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/thasv012/runes-analytics-pro-sub001/common"
)

// busTestHarness a live broker behind a real websocket listener
type busTestHarness struct {
	uut    MessageBroker
	server *httptest.Server
	wg     *sync.WaitGroup
	cancel context.CancelFunc
}

func startBusTestHarness(t *testing.T) *busTestHarness {
	assert := assert.New(t)

	wg := &sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())

	uut, err := GetMessageBroker(BrokerParams{
		Instance:    "server-test",
		Config:      testBusConfig(),
		RootContext: ctxt,
		WG:          wg,
	})
	assert.Nil(err)
	assert.Nil(uut.Start())

	handler, err := GetBusEndpointHandler(uut, testBusConfig(), ctxt, wg)
	assert.Nil(err)

	router := mux.NewRouter()
	router.Path("/ws").HandlerFunc(handler.NewConnectionHandler())

	return &busTestHarness{
		uut:    uut,
		server: httptest.NewServer(router),
		wg:     wg,
		cancel: cancel,
	}
}

func (h *busTestHarness) endpoint(params string) string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?" + params
}

func (h *busTestHarness) teardown(t *testing.T) {
	assert := assert.New(t)
	stopCtxt, stopCancel := context.WithTimeout(context.Background(), time.Second*5)
	defer stopCancel()
	assert.Nil(h.uut.Stop(stopCtxt))
	h.server.Close()
	h.cancel()
	h.wg.Wait()
}

// readEnvelope read one envelope off a live connection with a deadline
func readEnvelope(t *testing.T, conn *websocket.Conn) common.Envelope {
	assert := assert.New(t)
	assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 5)))
	_, payload, err := conn.ReadMessage()
	assert.Nil(err)
	msg, err := common.ParseEnvelope(payload)
	assert.Nil(err)
	return msg
}

func TestBusEndpointHandshake(t *testing.T) {
	assert := assert.New(t)

	harness := startBusTestHarness(t)
	defer harness.teardown(t)

	// Case 1: an identity-less handshake is refused before the upgrade
	{
		_, resp, err := websocket.DefaultDialer.Dial(harness.endpoint("type=ui"), nil)
		assert.Equal(websocket.ErrBadHandshake, err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
	}

	// Case 2: a complete identity is admitted and welcomed
	{
		conn, _, err := websocket.DefaultDialer.Dial(
			harness.endpoint("type=ui&name=alice&group=dashboards"), nil,
		)
		assert.Nil(err)
		defer func() { _ = conn.Close() }()

		welcome := readEnvelope(t, conn)
		assert.Equal(common.MsgTypeConnection, welcome.Type)
		clientID, ok := welcome.StringField("clientId")
		assert.True(ok)
		assert.NotEmpty(clientID)

		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		info, err := harness.uut.GetClient(ctxt, clientID)
		assert.Nil(err)
		assert.Equal("alice", info.Identity.Name)
		assert.Equal([]string{"dashboards"}, info.Groups)
	}
}

func TestBusEndpointMessageFlow(t *testing.T) {
	assert := assert.New(t)

	harness := startBusTestHarness(t)
	defer harness.teardown(t)

	alice, _, err := websocket.DefaultDialer.Dial(
		harness.endpoint("type=ui&name=alice&group=dashboards"), nil,
	)
	assert.Nil(err)
	defer func() { _ = alice.Close() }()
	assert.Equal(common.MsgTypeConnection, readEnvelope(t, alice).Type)

	bob, _, err := websocket.DefaultDialer.Dial(
		harness.endpoint("type=feed&name=bob"), nil,
	)
	assert.Nil(err)
	defer func() { _ = bob.Close() }()
	assert.Equal(common.MsgTypeConnection, readEnvelope(t, bob).Type)

	// Case 1: ping answers with pong
	{
		assert.Nil(alice.WriteMessage(websocket.TextMessage, []byte(`{"type": "ping"}`)))
		assert.Equal(common.MsgTypePong, readEnvelope(t, alice).Type)
	}

	// Case 2: group delivery across live connections carries the sender stamp
	{
		assert.Nil(bob.WriteMessage(websocket.TextMessage, []byte(
			`{"type": "price_update", "target": "group:dashboards", "price": 99}`,
		)))
		delivered := readEnvelope(t, alice)
		assert.Equal("price_update", delivered.Type)
		assert.NotNil(delivered.From)
		assert.Equal("bob", delivered.From.Name)
		assert.Equal(float64(99), delivered.Fields["price"])
	}

	// Case 3: channel subscription end to end
	{
		assert.Nil(alice.WriteMessage(websocket.TextMessage, []byte(
			`{"type": "subscribe", "channel": "runes"}`,
		)))
		ack := readEnvelope(t, alice)
		assert.Equal(common.MsgTypeSubscription, ack.Type)
		status, _ := ack.StringField("status")
		assert.Equal(common.SubscriptionStatusSuccess, status)

		assert.Nil(bob.WriteMessage(websocket.TextMessage, []byte(
			`{"type": "mint", "target": "channel:runes"}`,
		)))
		assert.Equal("mint", readEnvelope(t, alice).Type)
	}

	// Case 4: a disconnecting client leaves the registry
	{
		assert.Nil(bob.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
			time.Now().Add(time.Second),
		))
		_ = bob.Close()
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		deadline := time.Now().Add(time.Second * 5)
		for {
			all, err := harness.uut.ListClients(ctxt)
			assert.Nil(err)
			if len(all) == 1 {
				break
			}
			if time.Now().After(deadline) {
				assert.FailNow("registry never dropped the closed client")
			}
			time.Sleep(time.Millisecond * 20)
		}
	}
}

func TestBusEndpointServerShutdown(t *testing.T) {
	assert := assert.New(t)

	harness := startBusTestHarness(t)
	defer func() {
		harness.server.Close()
		harness.cancel()
		harness.wg.Wait()
	}()

	conn, _, err := websocket.DefaultDialer.Dial(
		harness.endpoint("type=ui&name=alice"), nil,
	)
	assert.Nil(err)
	defer func() { _ = conn.Close() }()
	assert.Equal(common.MsgTypeConnection, readEnvelope(t, conn).Type)

	stopCtxt, stopCancel := context.WithTimeout(context.Background(), time.Second*5)
	defer stopCancel()
	assert.Nil(harness.uut.Stop(stopCtxt))

	// the shutdown notice arrives before the close frame
	notice := readEnvelope(t, conn)
	assert.Equal(common.MsgTypeServerShutdown, notice.Type)

	assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 5)))
	_, _, err = conn.ReadMessage()
	assert.True(websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
