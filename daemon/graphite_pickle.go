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
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	pickle "github.com/hydrogen18/stalecucumber"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tgres/rrdcache/graceful"
	"github.com/tgres/rrdcache/misc"
	"github.com/tgres/rrdcache/receiver"
)

// Larger messages are refused, the way carbon does it.
const maxPickleLength = 1 << 20

type graphitePickleServiceManager struct {
	rcvr       *receiver.Receiver
	listener   *graceful.Listener
	listenSpec string
	timeout    time.Duration
	stop       int32
}

func (g *graphitePickleServiceManager) Stop() {
	if g.stopped() {
		return
	}
	atomic.StoreInt32(&(g.stop), 1)
	if g.listener != nil {
		log.Printf("Closing listener %s", g.listenSpec)
		g.listener.Close()
	}
}

func (g *graphitePickleServiceManager) Wait() {
	if g.listener != nil {
		g.listener.Wait()
	}
}

func (g *graphitePickleServiceManager) stopped() bool {
	return atomic.LoadInt32(&(g.stop)) != 0
}

func (g *graphitePickleServiceManager) Start() error {
	if g.listenSpec == "" {
		log.Printf("Not starting Graphite Pickle Protocol because graphite-pickle-listen-spec is blank.")
		return nil
	}

	gl, err := net.Listen("tcp", processListenSpec(g.listenSpec))
	if err != nil {
		return errors.Wrap(err, "Error starting Graphite Pickle Protocol serviceManager")
	}

	g.listener = graceful.NewListener(gl)

	log.Printf("Graphite Pickle protocol Listening on %s", gl.Addr())

	go acceptLoop("graphitePickleServer", g.listener, g.stopped, g.handleGraphitePickleProtocol)

	return nil
}

// Each message is a 4 byte big-endian length followed by a pickled
// list of (name, (timestamp, value)) tuples.
func (g *graphitePickleServiceManager) handleGraphitePickleProtocol(conn net.Conn) {
	defer conn.Close() // lets graceful.Listener.Wait() return

	var err error
	for {
		if g.stopped() {
			return
		}
		if g.timeout != 0 {
			conn.SetDeadline(time.Now().Add(g.timeout))
		}

		var length uint32
		if err = binary.Read(conn, binary.BigEndian, &length); err != nil {
			break
		}
		if length > maxPickleLength {
			err = errors.Errorf("message too long: %d", length)
			break
		}

		buff := make([]byte, length)
		if _, err = io.ReadFull(conn, buff); err != nil {
			break
		}

		if err = g.processPickle(buff); err != nil {
			break
		}
	}

	if err != nil && err != io.EOF {
		if !strings.Contains(err.Error(), "use of closed") {
			log.WithError(err).Printf("handleGraphitePickleProtocol(): Error reading")
		}
	}
}

func (g *graphitePickleServiceManager) processPickle(buff []byte) error {
	dps, err := parsePickle(buff)
	for _, dp := range dps {
		if uerr := g.rcvr.Update(dp.name, dp.ts, dp.value); uerr != nil {
			log.WithField("name", dp.name).WithError(uerr).Printf("graphite pickle: update")
		}
	}
	return err
}

type pickledPoint struct {
	name  string
	ts    time.Time
	value float64
}

// parsePickle returns the points up to the first malformed one.
func parsePickle(buff []byte) ([]pickledPoint, error) {
	var (
		name                 string
		tstamp               int64
		int_value            int64
		value                float64
		err                  error
		items, itemSlice, dp []interface{}
		result               []pickledPoint
	)

	if items, err = pickle.ListOrTuple(pickle.Unpickle(bytes.NewBuffer(buff))); err != nil {
		return nil, err
	}

	for _, item := range items {
		if itemSlice, err = pickle.ListOrTuple(item, nil); err != nil {
			return result, err
		}
		if len(itemSlice) != 2 {
			return result, errors.Errorf("item wrong length: %d", len(itemSlice))
		}
		name, err = pickle.String(itemSlice[0], nil)
		dp, err = pickle.ListOrTuple(itemSlice[1], err)
		if err != nil {
			return result, err
		}
		if len(dp) != 2 {
			return result, errors.Errorf("dp wrong length: %d", len(dp))
		}
		if tstamp, err = pickle.Int(dp[0], nil); err != nil {
			var ft float64
			if ft, err = pickle.Float(dp[0], nil); err != nil {
				return result, err
			}
			tstamp = int64(ft)
		}
		if value, err = pickle.Float(dp[1], nil); err != nil {
			if _, ok := err.(pickle.WrongTypeError); ok {
				if int_value, err = pickle.Int(dp[1], nil); err == nil {
					value = float64(int_value)
				}
			}
			if err != nil {
				return result, err
			}
		}
		if name = misc.SanitizeName(name); name == "" {
			return result, errors.New("empty name")
		}
		result = append(result, pickledPoint{name: name, ts: time.Unix(tstamp, 0), value: value})
	}
	return result, nil
}
