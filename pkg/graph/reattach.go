// SPDX-License-Identifier: BSD-3-Clause

package graph

import (
	"errors"
	"reflect"

	"github.com/statewire/statewire/pkg/entity"
)

// New constructs a fresh, zero-value instance of the type this field
// holds — or, for a one-to-many field, one element of it — ready for a
// Reattach load callback to unmarshal a stored row into.
func (fm FieldMeta) New() entity.ShardingEntity {
	return reflect.New(fm.Type.Elem()).Interface().(entity.ShardingEntity)
}

// Reattach populates root's annotated fields from storage: the inverse of
// Walk. For each annotated field, load is called once with that field's
// metadata and must return either a single child (RelationSingle) or its
// elements (RelationMany), typically built with FieldMeta.New and
// unmarshaled from a persisted row. Reattach then recurses into whatever
// load returns, so a child's own annotated fields, if any, are populated
// too. A singleton field is resolved at most once per session: a second
// field sharing the same singleton key reuses the instance already
// loaded instead of calling load again.
func Reattach(root any, session *Session, load func(FieldMeta) (entity.ShardingEntity, []entity.ShardingEntity, error)) error {
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
			_, many, err := load(fm)
			if err != nil {
				return err
			}
			slice := reflect.MakeSlice(fv.Type(), len(many), len(many))
			for i, se := range many {
				slice.Index(i).Set(reflect.ValueOf(se))
			}
			fv.Set(slice)
			for _, se := range many {
				if err := Reattach(se, session, load); err != nil {
					return err
				}
			}
			continue
		}

		single, reused, err := loadSingle(fm, session, load)
		if err != nil {
			return err
		}
		if single == nil {
			continue
		}
		fv.Set(reflect.ValueOf(single))
		if reused {
			continue
		}
		if err := Reattach(single, session, load); err != nil {
			return err
		}
	}
	return nil
}

func loadSingle(fm FieldMeta, session *Session, load func(FieldMeta) (entity.ShardingEntity, []entity.ShardingEntity, error)) (entity.ShardingEntity, bool, error) {
	if !fm.Singleton {
		se, _, err := load(fm)
		return se, false, err
	}
	return session.GetOrStore(fm.SingletonKey, func() (entity.ShardingEntity, error) {
		se, _, err := load(fm)
		return se, err
	})
}
