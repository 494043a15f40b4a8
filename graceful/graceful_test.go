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


package graceful

import (
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Listener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gl := NewListener(l)

	accepted := make(chan net.Conn)
	go func() {
		c, err := gl.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", gl.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted

	require.NoError(t, gl.Close())
	assert.True(t, gl.Stopped())
	assert.Equal(t, syscall.EINVAL, gl.Close())
	_, err = gl.Accept()
	assert.Error(t, err)

	done := make(chan struct{})
	go func() {
		gl.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Wait returned with a connection open")
	case <-time.After(50 * time.Millisecond):
	}

	server.Close()
	server.Close() // only counted once
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
}
