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

package apis

import (
	"net/http"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/thasv012/runes-analytics-pro-sub001/broker"
	"github.com/thasv012/runes-analytics-pro-sub001/common"
)

// APIRestBusStatusHandler REST handler for bus status queries
type APIRestBusStatusHandler struct {
	APIRestHandler
	bus      broker.MessageBroker
	validate *validator.Validate
}

// GetAPIRestBusStatusHandler define APIRestBusStatusHandler
func GetAPIRestBusStatusHandler(
	bus broker.MessageBroker, httpConfig *common.HTTPConfig,
) (APIRestBusStatusHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "bus-status",
	}
	return APIRestBusStatusHandler{
		APIRestHandler: APIRestHandler{
			Component:   common.Component{LogTags: logTags},
			reqIDHeader: httpConfig.Logging.RequestIDHeader,
		}, bus: bus, validate: validator.New(),
	}, nil
}

// -----------------------------------------------------------------------

// APIRestRespBusStats response for querying broker counters
type APIRestRespBusStats struct {
	StandardResponse
	// Stats the broker counters together with registry and index sizes
	Stats broker.StatsSnapshot `json:"stats"`
}

// GetStats godoc
// @Summary Query for broker counters
// @Description Query for the broker counters together with registry and index sizes
// @tags Status
// @Produce json
// @Param Runes-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespBusStats "success"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/bus/stats [get]
func (h APIRestBusStatusHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/bus/stats"
	localLogTags, _ := common.UpdateLogTags(r.Context(), h.LogTags)
	snapshot, err := h.bus.Stats(r.Context())
	if err != nil {
		msg := err.Error()
		log.WithError(err).WithFields(localLogTags).Error("Unable to read broker stats")
		h.reply(
			w, http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg), restCall,
		)
		return
	}
	h.reply(
		w, http.StatusOK,
		APIRestRespBusStats{StandardResponse: getStdRESTSuccessMsg(), Stats: snapshot},
		restCall,
	)
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestBusStatusHandler) GetStatsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	})
}

// -----------------------------------------------------------------------

// APIRestRespAllClients response for listing connected clients
type APIRestRespAllClients struct {
	StandardResponse
	// Clients the currently registered clients
	Clients []broker.ClientInfo `json:"clients"`
}

// GetAllClients godoc
// @Summary Query for all connected clients
// @Description Query for the details of all currently registered clients
// @tags Status
// @Produce json
// @Param Runes-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllClients "success"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/bus/client [get]
func (h APIRestBusStatusHandler) GetAllClients(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/bus/client"
	localLogTags, _ := common.UpdateLogTags(r.Context(), h.LogTags)
	clients, err := h.bus.ListClients(r.Context())
	if err != nil {
		msg := err.Error()
		log.WithError(err).WithFields(localLogTags).Error("Unable to list clients")
		h.reply(
			w, http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg), restCall,
		)
		return
	}
	h.reply(
		w, http.StatusOK,
		APIRestRespAllClients{StandardResponse: getStdRESTSuccessMsg(), Clients: clients},
		restCall,
	)
}

// GetAllClientsHandler Wrapper around GetAllClients
func (h APIRestBusStatusHandler) GetAllClientsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetAllClients(w, r)
	})
}

// -----------------------------------------------------------------------

// APIRestRespOneClient response for querying one client
type APIRestRespOneClient struct {
	StandardResponse
	// Client the details for this client
	Client broker.ClientInfo `json:"client"`
}

// GetClient godoc
// @Summary Query for one connected client
// @Description Query for the details of one currently registered client
// @tags Status
// @Produce json
// @Param Runes-Request-ID header string false "User provided request ID to match against logs"
// @Param clientID path string true "Broker assigned client ID"
// @Success 200 {object} APIRestRespOneClient "success"
// @Failure 404 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/bus/client/{clientID} [get]
func (h APIRestBusStatusHandler) GetClient(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/bus/client/{clientID}"
	localLogTags, _ := common.UpdateLogTags(r.Context(), h.LogTags)
	vars := mux.Vars(r)
	clientID, ok := vars["clientID"]
	if !ok {
		msg := "No client ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		h.reply(
			w, http.StatusBadRequest,
			getStdRESTErrorMsg(http.StatusBadRequest, &msg), restCall,
		)
		return
	}
	if err := h.validate.Var(clientID, "required,uuid"); err != nil {
		msg := "Invalid client ID"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		h.reply(
			w, http.StatusBadRequest,
			getStdRESTErrorMsg(http.StatusBadRequest, &msg), restCall,
		)
		return
	}
	info, err := h.bus.GetClient(r.Context(), clientID)
	if err != nil {
		msg := err.Error()
		log.WithError(err).WithFields(localLogTags).Errorf("Unknown client %s", clientID)
		h.reply(
			w, http.StatusNotFound,
			getStdRESTErrorMsg(http.StatusNotFound, &msg), restCall,
		)
		return
	}
	h.reply(
		w, http.StatusOK,
		APIRestRespOneClient{StandardResponse: getStdRESTSuccessMsg(), Client: info},
		restCall,
	)
}

// GetClientHandler Wrapper around GetClient
func (h APIRestBusStatusHandler) GetClientHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetClient(w, r)
	})
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For status REST API liveness check
// @Description Will return success to indicate status REST API module is live
// @tags Status
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Router /v1/bus/alive [get]
func (h APIRestBusStatusHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /v1/bus/alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestBusStatusHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For status REST API readiness check
// @Description Will return success if the broker event loop is answering queries
// @tags Status
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/bus/ready [get]
func (h APIRestBusStatusHandler) Ready(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/bus/ready"
	if _, err := h.bus.Stats(r.Context()); err != nil {
		msg := "not ready"
		h.reply(
			w, http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg), restCall,
		)
		return
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), restCall)
}

// ReadyHandler Wrapper around Ready
func (h APIRestBusStatusHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
