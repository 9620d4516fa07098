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
	"sync"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/thasv012/runes-analytics-pro-sub001/common"
	"github.com/thasv012/runes-analytics-pro-sub001/connector"
)

// RunBusMonitor run a read-only bus consumer which logs observed traffic.
// Useful for watching a live broker from a terminal.
func RunBusMonitor(
	runtimeContext context.Context,
	config *common.ConnectorConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "bus-monitor",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid monitor configuration")
		return err
	}

	monitorDone := make(chan struct{}, 1)
	conn, err := connector.GetConnector(connector.ConnectorParams{
		Config: *config,
		Hooks: connector.EventHooks{
			OnConnect: func() {
				log.WithFields(logTags).Infof("Watching bus at %s", config.ServerURI)
			},
			OnDisconnect: func(cause error) {
				if cause != nil {
					log.WithError(cause).WithFields(logTags).Warn("Lost bus connection")
				}
			},
			OnError: func(cause error) {
				log.WithError(cause).WithFields(logTags).Error("Monitor giving up")
				monitorDone <- struct{}{}
			},
		},
		RootContext: runtimeContext,
		WG:          wg,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define bus connector")
		return err
	}

	stopListen := conn.On(connector.CatchAllEvent, func(msg common.Envelope) {
		sender := "broker"
		if msg.From != nil {
			sender = msg.From.Name
		}
		log.WithFields(logTags).Infof(
			"[%s] '%s' from %s", msg.Timestamp.Format("15:04:05.000"), msg.Type, sender,
		)
	})
	defer stopListen()

	if err := conn.Connect(runtimeContext); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to reach broker at %s", config.ServerURI,
		)
		// Reconnect handling owns the retries from here when enabled
		if !config.Reconnect.Enabled {
			return err
		}
	}

	select {
	case <-runtimeContext.Done():
	case <-monitorDone:
	}

	return conn.Close()
}
