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
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tgres/rrdcache/graceful"
	"github.com/tgres/rrdcache/misc"
	"github.com/tgres/rrdcache/receiver"
)

type graphiteTextServiceManager struct {
	rcvr       *receiver.Receiver
	listenSpec string
	udp        bool
	stop       int32

	// TCP
	listener *graceful.Listener
	timeout  time.Duration

	// UDP
	conn   net.PacketConn
	connWg sync.WaitGroup
}

func (g *graphiteTextServiceManager) Stop() {
	if g.stopped() {
		return
	}
	atomic.StoreInt32(&(g.stop), 1)
	if g.conn != nil {
		log.Printf("Closing UDP listener %s", g.listenSpec)
		g.conn.Close()
	}
	if g.listener != nil {
		log.Printf("Closing TCP listener %s", g.listenSpec)
		g.listener.Close()
	}
}

func (g *graphiteTextServiceManager) Wait() {
	if g.listener != nil {
		g.listener.Wait()
	}
	g.connWg.Wait()
}

func (g *graphiteTextServiceManager) Start() error {
	if g.udp {
		return g.startUDP()
	}
	return g.startTCP()
}

func (g *graphiteTextServiceManager) stopped() bool {
	return atomic.LoadInt32(&(g.stop)) != 0
}

func (g *graphiteTextServiceManager) startUDP() error {
	if g.listenSpec == "" {
		log.Printf("Not starting Graphite UDP protocol because graphite-udp-listen-spec is blank.")
		return nil
	}

	conn, err := net.ListenPacket("udp", processListenSpec(g.listenSpec))
	if err != nil {
		return errors.Wrap(err, "Error starting Graphite UDP Text Protocol serviceManager")
	}
	g.conn = conn

	log.Printf("Graphite UDP protocol Listening on %s", conn.LocalAddr())

	g.connWg.Add(1)
	go g.graphiteUDPTextServer()

	return nil
}

func (g *graphiteTextServiceManager) startTCP() error {
	if g.listenSpec == "" {
		log.Printf("Not starting Graphite Text protocol because graphite-text-listen-spec is blank")
		return nil
	}

	gl, err := net.Listen("tcp", processListenSpec(g.listenSpec))
	if err != nil {
		return errors.Wrap(err, "Error starting Graphite Text Protocol serviceManager")
	}

	g.listener = graceful.NewListener(gl)

	log.Printf("Graphite text protocol Listening on %s", gl.Addr())

	go acceptLoop("graphiteTCPTextServer", g.listener, g.stopped, g.handleGraphiteTextProtocol)

	return nil
}

// acceptLoop hands every accepted connection to handle in a new
// goroutine until the listener is closed.
func acceptLoop(ident string, l net.Listener, stopped func() bool, handle func(net.Conn)) {

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()

		if err != nil {
			if stopped() {
				return
			}
			// see http://golang.org/src/net/http/server.go?s=51504:51550#L1729
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Printf("%s: Accept error: %v; retrying in %v", ident, err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.WithError(err).Printf("%s: Accept error, exiting.", ident)
			return
		}
		tempDelay = 0

		go handle(conn)
	}
}

// Each datagram is one or more lines.
func (g *graphiteTextServiceManager) graphiteUDPTextServer() {
	defer g.connWg.Done()

	buf := make([]byte, 65536)
	for {
		n, _, err := g.conn.ReadFrom(buf)
		if err != nil {
			if !g.stopped() {
				log.WithError(err).Printf("graphiteUDPTextServer(): Error reading")
			}
			return
		}
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			g.processLine(line)
		}
	}
}

func (g *graphiteTextServiceManager) handleGraphiteTextProtocol(conn net.Conn) {
	defer conn.Close() // lets graceful.Listener.Wait() return

	if g.timeout != 0 {
		conn.SetDeadline(time.Now().Add(g.timeout))
	}

	// We use Scanner, becase it has a MaxScanTokenSize of 64K
	connbuf := bufio.NewScanner(conn)

	for connbuf.Scan() {
		g.processLine(connbuf.Text())

		if g.timeout != 0 {
			conn.SetDeadline(time.Now().Add(g.timeout))
		}

		if g.stopped() {
			return
		}
	}

	if err := connbuf.Err(); err != nil {
		if !strings.Contains(err.Error(), "use of closed") {
			log.WithError(err).Printf("handleGraphiteTextProtocol(): Error reading")
		}
	}
}

func (g *graphiteTextServiceManager) processLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	name, ts, v, err := parseGraphitePacket(line)
	if err != nil {
		log.WithError(err).Printf("graphite: bad packet")
		return
	}
	if err := g.rcvr.Update(name, ts, v); err != nil {
		log.WithField("name", name).WithError(err).Printf("graphite: update")
	}
}

// parseGraphitePacket parses "<name> <value> <timestamp>", a
// timestamp of -1 means now.
func parseGraphitePacket(packetStr string) (string, time.Time, float64, error) {

	fields := strings.Fields(packetStr)
	if len(fields) != 3 {
		return "", time.Time{}, 0, errors.Errorf("expected 3 fields, got %d: %q", len(fields), packetStr)
	}
	value, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", time.Time{}, 0, errors.Wrapf(err, "bad value in %q", packetStr)
	}
	tstamp, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return "", time.Time{}, 0, errors.Wrapf(err, "bad timestamp in %q", packetStr)
	}

	var t time.Time
	if tstamp == -1 { // https://github.com/graphite-project/carbon/issues/54
		t = timeNow()
	} else {
		t = time.Unix(int64(tstamp), 0)
	}
	name := misc.SanitizeName(fields[0])
	if name == "" {
		return "", time.Time{}, 0, errors.Errorf("empty name in %q", packetStr)
	}
	return name, t, value, nil
}
