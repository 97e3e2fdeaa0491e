// SPDX-License-Identifier: BSD-3-Clause

package timeout

import "errors"

var (
	// ErrManagerShutdown is returned by Schedule/Rearm once Shutdown has
	// been called.
	ErrManagerShutdown = errors.New("timeout manager shut down")
)
