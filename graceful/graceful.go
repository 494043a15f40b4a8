//
// Copyright 2015 Gregory Trubetskoy. All Rights Reserved.
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


// Package graceful provides a net.Listener that keeps track of the
// connections it accepted so that a server can stop accepting new
// ones and then wait for the open ones to finish.
package graceful

import (
	"net"
	"sync"
	"syscall"
)

type gracefulConn struct {
	net.Conn
	once sync.Once
	wg   *sync.WaitGroup
}

func (c *gracefulConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.wg.Done)
	return err
}

type Listener struct {
	net.Listener
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

func NewListener(l net.Listener) *Listener {
	return &Listener{Listener: l}
}

// Close stops accepting connections, connections already accepted
// stay open. Closing a second time returns EINVAL.
func (gl *Listener) Close() error {
	gl.mu.Lock()
	defer gl.mu.Unlock()
	if gl.stopped {
		return syscall.EINVAL
	}
	gl.stopped = true
	return gl.Listener.Close()
}

func (gl *Listener) Stopped() bool {
	gl.mu.Lock()
	defer gl.mu.Unlock()
	return gl.stopped
}

func (gl *Listener) Accept() (net.Conn, error) {
	c, err := gl.Listener.Accept()
	if err != nil {
		return nil, err
	}
	gl.wg.Add(1)
	return &gracefulConn{Conn: c, wg: &gl.wg}, nil
}

// Wait blocks until every accepted connection has been closed.
func (gl *Listener) Wait() {
	gl.wg.Wait()
}
