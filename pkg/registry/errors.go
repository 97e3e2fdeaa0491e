// SPDX-License-Identifier: BSD-3-Clause

package registry

import "errors"

// ErrCapacityExceeded is returned by CreateOrGet when admitting a machine
// would exceed the configured hard cap on concurrently resident machines.
var ErrCapacityExceeded = errors.New("registry: capacity exceeded")

// ErrThrottled is returned by Fire when the registry-wide events-per-second
// guard has no permit available.
var ErrThrottled = errors.New("registry: throttled")

// ErrShutdown is returned by CreateOrGet and Fire once Shutdown has been
// called; the registry refuses new admissions and new events from then on.
var ErrShutdown = errors.New("registry: shut down")

// ErrUnknownMachine is returned by operations that require an already
// resident machine, such as Evict, when no machine with that id is loaded.
var ErrUnknownMachine = errors.New("registry: unknown machine")
