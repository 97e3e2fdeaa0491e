// SPDX-License-Identifier: BSD-3-Clause

package graph

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/statewire/statewire/pkg/entity"
)

// Node is one annotated field encountered while walking a root's graph:
// either a single child (RelationSingle) or a collection (RelationMany).
type Node struct {
	Meta     FieldMeta
	Value    entity.ShardingEntity
	Elements []entity.ShardingEntity
}

// Walk visits every annotated field of root, and recursively every
// annotated field of each child so visited, in declaration order. Cycles
// are broken by pointer identity: a child already visited in this call is
// never visited or reported twice. visit is called once per annotated
// field, not once per element of a one-to-many collection, so the
// batching-by-table step described for graph writes can group the whole
// collection itself.
func Walk(root any, visit func(Node) error) error {
	return walk(root, make(map[uintptr]bool), visit)
}

func walk(root any, visited map[uintptr]bool, visit func(Node) error) error {
	meta, err := MetadataFor(root)
	if err != nil {
		if errors.Is(err, ErrNotStruct) {
			return nil
		}
		return err
	}

	rv := reflect.ValueOf(root)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}

	for _, fm := range meta.Fields {
		fv := rv.Field(fm.FieldIndex)

		if fm.Relation == RelationMany {
			if fv.Kind() != reflect.Slice {
				return fmt.Errorf("%w: field %s is not a slice", ErrInvalidTag, fm.FieldName)
			}
			var elems []entity.ShardingEntity
			for i := 0; i < fv.Len(); i++ {
				elem := fv.Index(i)
				if skip, err := markVisited(elem, visited); err != nil {
					return err
				} else if skip {
					continue
				}
				se, ok := elem.Interface().(entity.ShardingEntity)
				if !ok {
					return fmt.Errorf("%w: field %s element", ErrNotShardingEntity, fm.FieldName)
				}
				elems = append(elems, se)
			}
			if err := visit(Node{Meta: fm, Elements: elems}); err != nil {
				return err
			}
			for _, se := range elems {
				if err := walk(se, visited, visit); err != nil {
					return err
				}
			}
			continue
		}

		if fv.Kind() == reflect.Ptr && fv.IsNil() {
			continue
		}
		if skip, err := markVisited(fv, visited); err != nil {
			return err
		} else if skip {
			continue
		}
		se, ok := fv.Interface().(entity.ShardingEntity)
		if !ok {
			return fmt.Errorf("%w: field %s", ErrNotShardingEntity, fm.FieldName)
		}
		if err := visit(Node{Meta: fm, Value: se}); err != nil {
			return err
		}
		if err := walk(se, visited, visit); err != nil {
			return err
		}
	}
	return nil
}

// markVisited reports whether v (a pointer-kind field) has already been
// visited in this walk. Non-pointer fields carry no shared identity and
// are never deduplicated.
func markVisited(v reflect.Value, visited map[uintptr]bool) (skip bool, err error) {
	if v.Kind() != reflect.Ptr {
		return false, nil
	}
	if v.IsNil() {
		return true, nil
	}
	ptr := v.Pointer()
	if visited[ptr] {
		return true, nil
	}
	visited[ptr] = true
	return false, nil
}

// Session scopes the identity map a single save or load call uses to
// honor Singleton semantics: the same key resolves to the same instance
// everywhere it is referenced within that one call.
type Session struct {
	mu         sync.Mutex
	singletons map[string]entity.ShardingEntity
}

// NewSession starts an empty identity map.
func NewSession() *Session {
	return &Session{singletons: make(map[string]entity.ShardingEntity)}
}

// GetOrStore returns the existing instance registered under key, or calls
// factory to produce one and registers it. The second return value
// reports whether an existing instance was reused.
func (s *Session) GetOrStore(key string, factory func() (entity.ShardingEntity, error)) (entity.ShardingEntity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.singletons[key]; ok {
		return v, true, nil
	}
	v, err := factory()
	if err != nil {
		return nil, false, err
	}
	s.singletons[key] = v
	return v, false, nil
}
