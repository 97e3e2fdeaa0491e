// SPDX-License-Identifier: BSD-3-Clause

package bus

import "errors"

var (
	// ErrServerCreationFailed indicates the embedded NATS server could not be
	// constructed from the given options.
	ErrServerCreationFailed = errors.New("bus: failed to create embedded server")
	// ErrServerNotReady indicates the embedded server did not become ready
	// for connections within the configured startup timeout.
	ErrServerNotReady = errors.New("bus: embedded server not ready for connections")
	// ErrConnectionNotAvailable indicates GetConnProvider or InProcessConn
	// was called before the embedded server exists.
	ErrConnectionNotAvailable = errors.New("bus: no connection available")
	// ErrInProcessConnFailed indicates the embedded server rejected an
	// in-process connection attempt.
	ErrInProcessConnFailed = errors.New("bus: in-process connection failed")
	// ErrPublishFailed indicates a Publish call could not reach the embedded
	// server's client.
	ErrPublishFailed = errors.New("bus: publish failed")
	// ErrAlreadyRunning indicates Run was called on a Bus that is already
	// serving.
	ErrAlreadyRunning = errors.New("bus: already running")
)
