// SPDX-License-Identifier: BSD-3-Clause

// Package logging provides structured logging for the statewire runtime.
//
// Every component (FSM, registry, timeout manager, persistence provider)
// logs through a single process-wide *slog.Logger obtained with
// GetGlobalLogger, with a "component" attribute attached via
// logger.With("component", name). Output fans out to a human-readable
// console writer and, when an OpenTelemetry LoggerProvider is configured,
// to OTel as structured log records simultaneously.
package logging
