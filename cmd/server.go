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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/thasv012/runes-analytics-pro-sub001/apis"
	"github.com/thasv012/runes-analytics-pro-sub001/broker"
	"github.com/thasv012/runes-analytics-pro-sub001/common"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunBusServer run the message bus broker: the websocket endpoint, and the
// status REST API when configured
func RunBusServer(
	runtimeContext context.Context,
	busConfig *common.BusConfig,
	statusConfig *common.StatusServerConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "bus-server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(busConfig); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid bus configuration")
		return err
	}

	msgBroker, err := broker.GetMessageBroker(broker.BrokerParams{
		Instance:    instance,
		Config:      *busConfig,
		RootContext: runtimeContext,
		WG:          wg,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define message broker")
		return err
	}
	if err := msgBroker.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start message broker")
		return err
	}

	endpointHandler, err := broker.GetBusEndpointHandler(
		msgBroker, *busConfig, runtimeContext, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define bus endpoint handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the websocket server

	wsRouter := mux.NewRouter()
	wsRouter.Path(busConfig.Server.EndpointPath).HandlerFunc(
		endpointHandler.NewConnectionHandler(),
	)

	wsListen := fmt.Sprintf("%s:%d", busConfig.Server.ListenOn, busConfig.Server.Port)
	wsSrv := &http.Server{
		Addr:    wsListen,
		Handler: wsRouter,
	}

	go func() {
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Websocket Server Failure")
		}
	}()

	log.WithFields(logTags).Infof(
		"Started bus endpoint on ws://%s%s", wsListen, busConfig.Server.EndpointPath,
	)

	// -------------------------------------------------------------------
	// Start the status API server

	var statusSrv *http.Server
	if statusConfig != nil {
		if err := validate.Struct(statusConfig); err != nil {
			log.WithError(err).WithFields(logTags).Error("Invalid status server configuration")
			return err
		}

		httpHandler, err := apis.GetAPIRestBusStatusHandler(
			msgBroker, &statusConfig.HTTPSetting,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
			return err
		}

		router := mux.NewRouter()
		mainRouter := apis.RegisterPathPrefix(
			router, statusConfig.Endpoints.PathPrefix, nil,
		)

		_ = apis.RegisterPathPrefix(mainRouter, "/v1/bus/stats", map[string]http.HandlerFunc{
			"get": httpHandler.GetStatsHandler(),
		})
		clientAPIRouter := apis.RegisterPathPrefix(
			mainRouter, "/v1/bus/client", map[string]http.HandlerFunc{
				"get": httpHandler.GetAllClientsHandler(),
			},
		)
		_ = apis.RegisterPathPrefix(clientAPIRouter, "/{clientID}", map[string]http.HandlerFunc{
			"get": httpHandler.GetClientHandler(),
		})

		// Health check
		_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
			"get": httpHandler.AliveHandler(),
		})
		_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
			"get": httpHandler.ReadyHandler(),
		})

		// Add logging
		router.Use(func(next http.Handler) http.Handler {
			return handlers.CombinedLoggingHandler(httpHandler, next)
		})

		serverCfg := statusConfig.HTTPSetting.Server
		statusListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
		statusSrv = &http.Server{
			Addr:         statusListen,
			WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
			ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
			IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
			Handler:      h2c.NewHandler(router, &http2.Server{}),
		}

		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Status Server Failure")
			}
		}()

		log.WithFields(logTags).Infof("Started status API server on http://%s", statusListen)
	}

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the broker first so connected clients see the shutdown notice
	// before the listeners go away
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := msgBroker.Stop(ctx); err != nil {
			log.WithError(err).Error("Failure during broker shutdown")
		}
	}

	// Stop the HTTP servers
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := wsSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during websocket server shutdown")
		}
		if statusSrv != nil {
			if err := statusSrv.Shutdown(ctx); err != nil {
				log.WithError(err).Error("Failure during status server shutdown")
			}
		}
	}

	return nil
}
