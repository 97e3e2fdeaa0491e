// SPDX-License-Identifier: BSD-3-Clause

package persistence

import "errors"

var (
	// ErrNotFound is returned by Load when no root row exists for the
	// requested id. A missing child row is not an error: the child is left
	// nil.
	ErrNotFound = errors.New("persistence: root not found")
	// ErrInvalidConfig indicates a malformed provider configuration.
	ErrInvalidConfig = errors.New("persistence: invalid configuration")
	// ErrPartitionUnavailable indicates autoCreate is disabled and the
	// target partition does not exist.
	ErrPartitionUnavailable = errors.New("persistence: target partition does not exist")
	// ErrRetryExhausted is surfaced as an ERROR listener event once the
	// configured number of background save retries has been exhausted.
	ErrRetryExhausted = errors.New("persistence: background save retries exhausted")
)
