//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/tgres/rrdcache/receiver"
)

type trService interface {
	Start() error
	Stop()
	Wait() // for open connections after Stop
}

type serviceMap map[string]trService
type serviceManager struct {
	rcvr     *receiver.Receiver
	services serviceMap
}

func newServiceManager(rcvr *receiver.Receiver, gatherer prometheus.Gatherer, cfg *Config) *serviceManager {
	return &serviceManager{rcvr: rcvr,
		services: serviceMap{
			"gt":  &graphiteTextServiceManager{rcvr: rcvr, listenSpec: cfg.GraphiteTextListenSpec, timeout: 30 * time.Second},
			"gu":  &graphiteTextServiceManager{rcvr: rcvr, listenSpec: cfg.GraphiteUdpListenSpec, udp: true},
			"gp":  &graphitePickleServiceManager{rcvr: rcvr, listenSpec: cfg.GraphitePickleListenSpec, timeout: 30 * time.Second},
			"www": &wwwServer{rcvr: rcvr, gatherer: gatherer, listenSpec: cfg.HttpListenSpec},
		},
	}
}

func processListenSpec(listenSpec string) string {
	if os.Getenv("RRDCACHE_BIND") != "" {
		return strings.Replace(listenSpec, "0.0.0.0", os.Getenv("RRDCACHE_BIND"), 1)
	}
	return listenSpec
}

func (r *serviceManager) run() error {
	for name, service := range r.services {
		if err := service.Start(); err != nil {
			log.WithError(err).Printf("Service %q failed to start, stopping the others.", name)
			r.closeListeners(false)
			return err
		}
	}
	return nil
}

func (r *serviceManager) closeListeners(wait bool) {
	for _, service := range r.services {
		service.Stop()
	}
	if wait {
		log.Printf("Waiting for open connections to finish...")
		for _, service := range r.services {
			service.Wait()
		}
	}
}
