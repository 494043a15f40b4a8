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
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/tgres/rrdcache/graceful"
	h "github.com/tgres/rrdcache/http"
	"github.com/tgres/rrdcache/receiver"
)

type wwwServer struct {
	rcvr       *receiver.Receiver
	gatherer   prometheus.Gatherer
	listener   *graceful.Listener
	server     *http.Server
	listenSpec string
	stop       int32
}

func (g *wwwServer) Stop() {
	if g.stopped() {
		return
	}
	atomic.StoreInt32(&(g.stop), 1)
	if g.server != nil {
		log.Printf("Closing listener %s", g.listenSpec)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.server.Shutdown(ctx); err != nil {
			log.WithError(err).Printf("HTTP server shutdown")
		}
	}
}

func (g *wwwServer) Wait() {
	if g.listener != nil {
		g.listener.Wait()
	}
}

func (g *wwwServer) stopped() bool {
	return atomic.LoadInt32(&(g.stop)) != 0
}

func (g *wwwServer) Start() error {
	if g.listenSpec == "" {
		log.Printf("Not starting HTTP server because http-listen-spec is blank.")
		return nil
	}

	gl, err := net.Listen("tcp", processListenSpec(g.listenSpec))
	if err != nil {
		return errors.Wrap(err, "Error starting HTTP protocol")
	}

	g.listener = graceful.NewListener(gl)
	g.server = &http.Server{
		Handler:        h.NewRouter(g.rcvr, g.gatherer),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 16}

	log.Printf("HTTP protocol Listening on %s", gl.Addr())

	go func() {
		if err := g.server.Serve(g.listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Printf("HTTP server exited")
		}
	}()

	return nil
}
