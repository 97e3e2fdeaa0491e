// SPDX-License-Identifier: BSD-3-Clause

package graph

import "errors"

var (
	// ErrNotStruct is returned when metadata is requested for a non-struct
	// (after dereferencing pointers).
	ErrNotStruct = errors.New("graph: root must be a struct or pointer to struct")
	// ErrInvalidTag is returned when an `entity` struct tag cannot be
	// parsed.
	ErrInvalidTag = errors.New("graph: invalid entity tag")
	// ErrNotShardingEntity is returned when an annotated field's value does
	// not implement entity.ShardingEntity.
	ErrNotShardingEntity = errors.New("graph: annotated field does not implement ShardingEntity")
)
