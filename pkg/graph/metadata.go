// SPDX-License-Identifier: BSD-3-Clause

// Package graph computes and caches, once per Go type, which fields of a
// persistent root context are annotated as entities participating in
// partitioned storage and which are transient. Annotation replaces the
// reflection/inheritance probing a less Go-idiomatic port would do at
// every call: a type's metadata is built exactly once and reused for every
// save and load of that type thereafter.
package graph

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

// Relation describes how an annotated field's entities attach to the root.
type Relation int

const (
	// RelationSingle is a one-to-one child: the field holds exactly one
	// ShardingEntity.
	RelationSingle Relation = iota
	// RelationMany is a one-to-many child: the field holds a slice of
	// ShardingEntity values, each written with the root id as a
	// back-reference.
	RelationMany
)

// FieldMeta describes one annotated field of a root type.
type FieldMeta struct {
	FieldIndex int
	FieldName  string
	Table      string
	Relation   Relation
	Singleton  bool
	SingletonKey string
	Cascade    bool
	Lazy       bool
	// Type is the pointer-to-struct type Reattach constructs to hold one
	// row: the field's own type for a one-to-one relation, or its slice
	// element type for one-to-many.
	Type reflect.Type
}

// Metadata is the annotated-field inventory of one root type, computed
// once and safe for concurrent reuse across every Save/Load of that type.
type Metadata struct {
	Type   reflect.Type
	Fields []FieldMeta
}

var (
	cacheMu sync.Mutex
	cache   = make(map[reflect.Type]*Metadata)
)

// MetadataFor returns the cached Metadata for v's type, building it on
// first use. v may be a struct or a pointer to one.
func MetadataFor(v any) (*Metadata, error) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, ErrNotStruct
	}

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if m, ok := cache[t]; ok {
		return m, nil
	}
	m, err := buildMetadata(t)
	if err != nil {
		return nil, err
	}
	cache[t] = m
	return m, nil
}

func buildMetadata(t reflect.Type) (*Metadata, error) {
	meta := &Metadata{Type: t}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, ok := f.Tag.Lookup("entity")
		if !ok {
			continue
		}
		fm, err := parseTag(f.Name, i, tag)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name(), f.Name, err)
		}
		fm.Type, err = elementType(f.Type, fm.Relation)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name(), f.Name, err)
		}
		meta.Fields = append(meta.Fields, fm)
	}
	return meta, nil
}

// elementType returns the pointer-to-struct type that holds one row for an
// annotated field: ft itself for a one-to-one relation, or ft's slice
// element type for one-to-many.
func elementType(ft reflect.Type, rel Relation) (reflect.Type, error) {
	if rel == RelationMany {
		if ft.Kind() != reflect.Slice {
			return nil, fmt.Errorf("%w: one-to-many field must be a slice", ErrInvalidTag)
		}
		ft = ft.Elem()
	}
	if ft.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("%w: annotated field must hold pointers", ErrInvalidTag)
	}
	return ft, nil
}

// parseTag parses `entity:"table=legs,relation=one-to-many,cascade"` and
// `entity:"singleton=billing,table=billing_records"` style tags.
func parseTag(fieldName string, index int, tag string) (FieldMeta, error) {
	fm := FieldMeta{FieldIndex: index, FieldName: fieldName, Relation: RelationSingle}

	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "table":
			fm.Table = value
		case "relation":
			switch value {
			case "one-to-one", "":
				fm.Relation = RelationSingle
			case "one-to-many":
				fm.Relation = RelationMany
			default:
				return FieldMeta{}, fmt.Errorf("%w: unknown relation %q", ErrInvalidTag, value)
			}
		case "singleton":
			fm.Singleton = true
			fm.SingletonKey = value
		case "cascade":
			fm.Cascade = !hasValue || parseBool(value)
		case "lazy":
			fm.Lazy = !hasValue || parseBool(value)
		default:
			return FieldMeta{}, fmt.Errorf("%w: unknown key %q", ErrInvalidTag, key)
		}
	}

	if fm.Table == "" && fm.SingletonKey == "" {
		return FieldMeta{}, fmt.Errorf("%w: missing table or singleton key", ErrInvalidTag)
	}
	return fm, nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}
