// SPDX-License-Identifier: BSD-3-Clause

package bus

import (
	"fmt"
	"net"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// ConnProvider hands out in-process connections to a Bus's embedded NATS
// server. It implements both nats.InProcessConnProvider and
// github.com/statewire/statewire/pkg/ipc.ConnProvider, so a Bus can be
// handed directly to anything written against either.
type ConnProvider struct {
	server *server.Server
}

// InProcessConn waits for the embedded server to accept connections, then
// returns a direct in-process net.Conn to it.
func (p *ConnProvider) InProcessConn() (net.Conn, error) {
	if p.server == nil {
		return nil, ErrConnectionNotAvailable
	}
	if !p.server.ReadyForConnections(time.Minute) {
		return nil, ErrServerNotReady
	}
	conn, err := p.server.InProcessConn()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInProcessConnFailed, err)
	}
	return conn, nil
}
