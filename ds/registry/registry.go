/*
 * This file is part of the Mantik Project.
 * Copyright (c) 2020-2021 Mantik UG (Haftungsbeschränkt)
 * Authors: See AUTHORS file
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License version 3.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.
 *
 * Additionally, the following linking exception is granted:
 *
 * If you modify this Program, or any covered work, by linking or
 * combining it with other code, such other code is not for that reason
 * alone subject to any of the requirements of the GNU Affero GPL
 * version 3.
 *
 * You can be released from the requirements of the license by purchasing
 * a commercial license.
 */

/*
Package registry routes format level arrays carrying an extension tag to the
typed views of that extension.

Extensions are keyed by base layout and name together: the same extension name
may be backed by different physical layouts, each needing its own factory.
*/
package registry

import (
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Field metadata keys used by the arrow format to tag extension arrays.
const (
	ExtensionNameKey     = "ARROW:extension:name"
	ExtensionMetadataKey = "ARROW:extension:metadata"
)

var ErrAlreadyRegistered = errors.New("extension already registered")
var ErrNotRegistered = errors.New("extension not registered")

// Key identifies a factory.
type Key struct {
	Base arrow.Type
	Name string
}

func (k Key) String() string {
	return k.Name + "<" + k.Base.String() + ">"
}

// Raw is a format level extension array handle.
type Raw struct {
	// Name and free-form annotations, without the extension tag.
	Field arrow.Field
	// Storage of the array, its type describes the base layout.
	Storage arrow.ArrayData
	// Extension name and serialized extension metadata.
	Extension  string
	Serialized string
}

// Key returns the key a factory for this handle is registered with.
func (r Raw) Key() Key {
	return Key{Base: r.Storage.DataType().ID(), Name: r.Extension}
}

// Factory creates a typed view over raw storage without copying buffers.
type Factory func(raw Raw) (arrow.Array, error)

// Registry holds factories. It is not safe for concurrent registration, populate it before decoding.
type Registry struct {
	factories map[Key]Factory
}

func New() *Registry {
	return &Registry{factories: make(map[Key]Factory)}
}

func (r *Registry) Register(base arrow.Type, name string, factory Factory) error {
	key := Key{Base: base, Name: name}
	if _, exists := r.factories[key]; exists {
		return errors.Wrapf(ErrAlreadyRegistered, "%s", key)
	}
	r.factories[key] = factory
	logrus.Debugf("Registered extension factory %s", key)
	return nil
}

func (r *Registry) Lookup(base arrow.Type, name string) (Factory, bool) {
	f, ok := r.factories[Key{Base: base, Name: name}]
	return f, ok
}

// Keys returns all registered keys, sorted by name and base.
func (r *Registry) Keys() []Key {
	keys := make([]Key, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Base < keys[j].Base
	})
	return keys
}

/*
Decode returns the typed view of arr.

arr may either be an arrow extension array or a plain storage array whose field
carries the extension tag. Untagged arrays are returned as they are.
The result must be released by the caller.
*/
func (r *Registry) Decode(field arrow.Field, arr arrow.Array) (arrow.Array, error) {
	raw, tagged := RawFromField(field, arr)
	if !tagged {
		arr.Retain()
		return arr, nil
	}
	factory, ok := r.factories[raw.Key()]
	if !ok {
		return nil, errors.Wrapf(ErrNotRegistered, "%s", raw.Key())
	}
	result, err := factory(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode %s", raw.Key())
	}
	return result, nil
}

// RawFromField builds the raw handle of arr, returns false if there is no extension tag.
func RawFromField(field arrow.Field, arr arrow.Array) (Raw, bool) {
	annotations := WithoutExtensionTag(field.Metadata)
	plainField := arrow.Field{Name: field.Name, Type: field.Type, Nullable: field.Nullable, Metadata: annotations}
	if ext, ok := arr.(array.ExtensionArray); ok {
		extType := ext.ExtensionType()
		return Raw{
			Field:      plainField,
			Storage:    ext.Storage().Data(),
			Extension:  extType.ExtensionName(),
			Serialized: extType.Serialize(),
		}, true
	}
	nameIdx := field.Metadata.FindKey(ExtensionNameKey)
	if nameIdx < 0 {
		return Raw{}, false
	}
	name := field.Metadata.Values()[nameIdx]
	var serialized string
	if idx := field.Metadata.FindKey(ExtensionMetadataKey); idx >= 0 {
		serialized = field.Metadata.Values()[idx]
	}
	return Raw{
		Field:      plainField,
		Storage:    arr.Data(),
		Extension:  name,
		Serialized: serialized,
	}, true
}

// WithExtensionTag returns annotations plus the extension tag, replacing a previous tag.
func WithExtensionTag(annotations arrow.Metadata, name string, serialized string) arrow.Metadata {
	plain := WithoutExtensionTag(annotations)
	keys := append([]string{ExtensionNameKey, ExtensionMetadataKey}, plain.Keys()...)
	values := append([]string{name, serialized}, plain.Values()...)
	return arrow.NewMetadata(keys, values)
}

// WithoutExtensionTag returns annotations without the extension keys.
func WithoutExtensionTag(annotations arrow.Metadata) arrow.Metadata {
	var keys, values []string
	for i, k := range annotations.Keys() {
		if k == ExtensionNameKey || k == ExtensionMetadataKey {
			continue
		}
		keys = append(keys, k)
		values = append(values, annotations.Values()[i])
	}
	return arrow.NewMetadata(keys, values)
}
