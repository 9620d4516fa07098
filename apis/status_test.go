package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/thasv012/runes-analytics-pro-sub001/broker"
	"github.com/thasv012/runes-analytics-pro-sub001/common"
)

// stubMessageBroker canned MessageBroker for exercising the REST handlers
type stubMessageBroker struct {
	clients  map[string]broker.ClientInfo
	snapshot broker.StatsSnapshot
	failAll  bool
}

func (s *stubMessageBroker) Start() error                    { return nil }
func (s *stubMessageBroker) Stop(ctxt context.Context) error { return nil }

func (s *stubMessageBroker) AdmitClient(
	ctxt context.Context,
	identity broker.ClientIdentity,
	transport broker.ClientTransport,
	remoteAddr string,
) (broker.ClientInfo, error) {
	return broker.ClientInfo{}, fmt.Errorf("not supported")
}

func (s *stubMessageBroker) ClientClosed(
	ctxt context.Context, clientID string, closeCode int, reason string,
) error {
	return nil
}

func (s *stubMessageBroker) ReceivedMessage(
	ctxt context.Context, clientID string, payload []byte,
) error {
	return nil
}

func (s *stubMessageBroker) TouchClient(ctxt context.Context, clientID string) error {
	return nil
}

func (s *stubMessageBroker) GetClient(
	ctxt context.Context, clientID string,
) (broker.ClientInfo, error) {
	if s.failAll {
		return broker.ClientInfo{}, fmt.Errorf("event loop is down")
	}
	info, ok := s.clients[clientID]
	if !ok {
		return broker.ClientInfo{}, fmt.Errorf("client %s is not registered", clientID)
	}
	return info, nil
}

func (s *stubMessageBroker) ListClients(ctxt context.Context) ([]broker.ClientInfo, error) {
	if s.failAll {
		return nil, fmt.Errorf("event loop is down")
	}
	result := make([]broker.ClientInfo, 0, len(s.clients))
	for _, info := range s.clients {
		result = append(result, info)
	}
	return result, nil
}

func (s *stubMessageBroker) Stats(ctxt context.Context) (broker.StatsSnapshot, error) {
	if s.failAll {
		return broker.StatsSnapshot{}, fmt.Errorf("event loop is down")
	}
	return s.snapshot, nil
}

func defineStatusTestRouter(t *testing.T, bus broker.MessageBroker) *mux.Router {
	assert := assert.New(t)

	httpConfig := common.HTTPConfig{
		Server: common.HTTPServerConfig{
			ListenOn: "127.0.0.1", Port: 3001, ReadTimeout: 60, WriteTimeout: 60,
		},
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Runes-Request-ID"},
	}
	uut, err := GetAPIRestBusStatusHandler(bus, &httpConfig)
	assert.Nil(err)

	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, "/", nil)
	_ = RegisterPathPrefix(mainRouter, "/v1/bus/stats", map[string]http.HandlerFunc{
		"get": uut.GetStatsHandler(),
	})
	clientRouter := RegisterPathPrefix(mainRouter, "/v1/bus/client", map[string]http.HandlerFunc{
		"get": uut.GetAllClientsHandler(),
	})
	_ = RegisterPathPrefix(clientRouter, "/{clientID}", map[string]http.HandlerFunc{
		"get": uut.GetClientHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": uut.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": uut.ReadyHandler(),
	})
	return router
}

func TestStatusAPIStats(t *testing.T) {
	assert := assert.New(t)

	bus := &stubMessageBroker{
		snapshot: broker.StatsSnapshot{
			Stats: broker.Stats{
				TotalConnections: 12,
				MessagesSent:     34,
				MessagesReceived: 56,
				Errors:           1,
				StartedAt:        time.Now().UTC(),
			},
			ActiveClients: 3,
			Groups:        2,
			Channels:      1,
		},
	}
	router := defineStatusTestRouter(t, bus)

	// Case 1: counters round-trip through the endpoint
	{
		req := httptest.NewRequest("GET", "/v1/bus/stats", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed APIRestRespBusStats
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.True(parsed.Success)
		assert.Equal(uint64(12), parsed.Stats.TotalConnections)
		assert.Equal(uint64(34), parsed.Stats.MessagesSent)
		assert.Equal(3, parsed.Stats.ActiveClients)
	}

	// Case 2: a dead event loop reports an error response
	{
		bus.failAll = true
		req := httptest.NewRequest("GET", "/v1/bus/stats", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		assert.Equal(http.StatusInternalServerError, resp.Code)
		var parsed StandardResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.False(parsed.Success)
		assert.NotNil(parsed.Error)
	}
}

func TestStatusAPIClients(t *testing.T) {
	assert := assert.New(t)

	knownID := uuid.New().String()
	known := broker.ClientInfo{
		ID: knownID,
		Identity: broker.ClientIdentity{
			ClientType: "ui", Name: "alice",
		},
		Groups:   []string{"dashboards"},
		Channels: []string{"prices"},
	}
	bus := &stubMessageBroker{
		clients: map[string]broker.ClientInfo{knownID: known},
	}
	router := defineStatusTestRouter(t, bus)

	// Case 1: listing
	{
		req := httptest.NewRequest("GET", "/v1/bus/client", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed APIRestRespAllClients
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.True(parsed.Success)
		assert.Len(parsed.Clients, 1)
		assert.Equal("alice", parsed.Clients[0].Identity.Name)
	}

	// Case 2: single client fetch
	{
		req := httptest.NewRequest("GET", "/v1/bus/client/"+knownID, nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed APIRestRespOneClient
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.True(parsed.Success)
		assert.Equal([]string{"dashboards"}, parsed.Client.Groups)
	}

	// Case 3: unknown client is a 404
	{
		req := httptest.NewRequest("GET", "/v1/bus/client/"+uuid.New().String(), nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		assert.Equal(http.StatusNotFound, resp.Code)
		var parsed StandardResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.False(parsed.Success)
	}

	// Case 4: a malformed client ID never reaches the broker
	{
		req := httptest.NewRequest("GET", "/v1/bus/client/not-a-uuid", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		assert.Equal(http.StatusBadRequest, resp.Code)
	}
}

func TestStatusAPIHealthChecks(t *testing.T) {
	assert := assert.New(t)

	bus := &stubMessageBroker{}
	router := defineStatusTestRouter(t, bus)

	// Case 1: liveness
	{
		req := httptest.NewRequest("GET", "/alive", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 2: readiness follows the event loop
	{
		req := httptest.NewRequest("GET", "/ready", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		assert.Equal(http.StatusOK, resp.Code)

		bus.failAll = true
		req = httptest.NewRequest("GET", "/ready", nil)
		resp = httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		assert.Equal(http.StatusInternalServerError, resp.Code)
	}
}
