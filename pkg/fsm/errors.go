// SPDX-License-Identifier: BSD-3-Clause

package fsm

import "errors"

var (
	// ErrInvalidConfig indicates that the FSM definition is malformed: a
	// configuration error, fatal at build time.
	ErrInvalidConfig = errors.New("invalid fsm definition")
	// ErrUnknownState indicates a transition or timeout referencing a state
	// that was never declared.
	ErrUnknownState = errors.New("unknown state")
	// ErrDuplicateTransition indicates more than one transition or stay
	// action registered for the same (state, event type) pair.
	ErrDuplicateTransition = errors.New("duplicate transition for event type in state")
	// ErrActionFailed wraps an error returned by a user entry/exit/stay
	// action; the transition is rolled back when this occurs.
	ErrActionFailed = errors.New("fsm action failed")
	// ErrNilPersistentContext indicates a machine was constructed without
	// a persistent context.
	ErrNilPersistentContext = errors.New("persistent context cannot be nil")
)
