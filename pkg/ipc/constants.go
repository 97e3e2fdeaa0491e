// SPDX-License-Identifier: BSD-3-Clause

package ipc

import (
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/micro"
)

// IPC Subject Constants for NATS Micro Services
// These constants define all the subjects used for inter-process communication
// between a registry and its observers. Services should use these constants
// rather than constructing subjects dynamically.

// Machine Registry Subjects
const (
	// Per-machine state and control
	SubjectMachineState   = "machine.state"
	SubjectMachineControl = "machine.control"
	SubjectMachineInfo    = "machine.info"
	SubjectMachineList    = "machine.list"

	// Registry-wide administration
	SubjectRegistryStats    = "registry.stats"
	SubjectRegistryWarmUp   = "registry.warmup"
	SubjectRegistryShutdown = "registry.shutdown"
)

// Partition and Graph Subjects
const (
	SubjectPartitionInfo   = "partition.info"
	SubjectPartitionPrune  = "partition.prune"
	SubjectGraphChildren   = "graph.children"
	SubjectGraphLink       = "graph.link"
	SubjectGraphUnlink     = "graph.unlink"
)

// Event and Notification Subjects
const (
	// Machine events
	SubjectStateEvent      = "machine.state.event"
	SubjectTransitionEvent = "machine.transition.event"

	// Registry events (the registry.EventType taxonomy, fanned out verbatim)
	SubjectRegistryEvent = "registry.event"

	// System events
	SubjectSystemEvent = "system.event"
	SubjectAlertEvent  = "alert.event"
)

// Stream Subjects for JetStream Persistence
const (
	StreamSubjectStateChanges = "registry.state.>"
	StreamSubjectEvents       = "registry.event.>"
	StreamSubjectSystemEvents = "system.event.>"
)

// Queue Groups for Load Balancing
const (
	QueueGroupRegistry = "registry"
	QueueGroupGraph    = "graph"
)

// Default Timeouts (in milliseconds)
const (
	DefaultRequestTimeout  = 30000 // 30 seconds
	DefaultCommandTimeout  = 60000 // 60 seconds
	DefaultStreamTimeout   = 5000  // 5 seconds
	DefaultResponseTimeout = 10000 // 10 seconds
)

// Error Response Subjects
const (
	SubjectErrorResponse   = "error.response"
	SubjectTimeoutResponse = "timeout.response"
	SubjectInvalidRequest  = "invalid.request"
	SubjectUnauthorized    = "unauthorized.request"
	SubjectNotFound        = "not.found"
	SubjectInternalError   = "internal.error"
)

// IPC Error Constants
var (
	// Request/Response errors
	ErrMissingRequiredField = NewIPCError("MISSING_REQUIRED_FIELD", "missing required field")
	ErrMarshalingFailed     = NewIPCError("MARSHALING_FAILED", "marshaling failed")
	ErrUnmarshalingFailed   = NewIPCError("UNMARSHALING_FAILED", "unmarshaling failed")
	ErrResponseTimeout      = NewIPCError("RESPONSE_TIMEOUT", "response timeout")

	// Component errors
	ErrComponentNotFound     = NewIPCError("COMPONENT_NOT_FOUND", "component not found")
	ErrInvalidTrigger        = NewIPCError("INVALID_TRIGGER", "invalid trigger")
	ErrStateTransitionFailed = NewIPCError("STATE_TRANSITION_FAILED", "state transition failed")

	// Service errors
	ErrInternalError = NewIPCError("INTERNAL_ERROR", "internal error")
)

// IPCError represents a structured IPC error.
type IPCError struct {
	Code    string
	Message string
}

func (e *IPCError) Error() string {
	return e.Message
}

// NewIPCError creates a new IPC error.
func NewIPCError(code, message string) *IPCError {
	return &IPCError{
		Code:    code,
		Message: message,
	}
}

// ParseSubject splits a subject into group and endpoint components for NATS micro
// registration. For subjects like "machine.state", it returns group="machine" and
// endpoint="state". Returns an error if the subject doesn't contain exactly one dot
// or if components are empty.
func ParseSubject(subject string) (group, endpoint string, err error) {
	if subject == "" {
		return "", "", NewIPCError("INVALID_SUBJECT", "subject cannot be empty")
	}

	parts := strings.Split(subject, ".")
	if len(parts) != 2 {
		return "", "", NewIPCError("INVALID_SUBJECT", fmt.Sprintf("subject %s must contain exactly one dot", subject))
	}

	group = strings.TrimSpace(parts[0])
	endpoint = strings.TrimSpace(parts[1])

	if group == "" {
		return "", "", NewIPCError("INVALID_SUBJECT", "group component cannot be empty")
	}

	if endpoint == "" {
		return "", "", NewIPCError("INVALID_SUBJECT", "endpoint component cannot be empty")
	}

	return group, endpoint, nil
}

// RegisterEndpointWithParsedSubject parses an IPC subject and returns the group and
// endpoint names for use with NATS micro registration. This ensures services use IPC
// constants consistently and follow the group.endpoint pattern.
func RegisterEndpointWithParsedSubject(subject string) (group, endpoint string, err error) {
	return ParseSubject(subject)
}

// RegisterEndpointWithGroupCache registers an endpoint by parsing the IPC subject and
// managing group creation, reducing boilerplate by caching groups as they're created.
func RegisterEndpointWithGroupCache(service micro.Service, subject string, handler micro.Handler, groups map[string]micro.Group) error {
	groupName, endpointName, err := ParseSubject(subject)
	if err != nil {
		return fmt.Errorf("failed to parse subject %s: %w", subject, err)
	}

	group, exists := groups[groupName]
	if !exists {
		group = service.AddGroup(groupName)
		groups[groupName] = group
	}

	if err := group.AddEndpoint(endpointName, handler); err != nil {
		return fmt.Errorf("failed to register endpoint %s in group %s: %w", endpointName, groupName, err)
	}

	return nil
}
