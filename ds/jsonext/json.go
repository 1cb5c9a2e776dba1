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

// Package jsonext contains the JSON text extension, a string layout tagged as holding JSON documents.
package jsonext

import (
	"encoding/json"
	"reflect"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowext "github.com/apache/arrow-go/v18/arrow/extensions"
	"github.com/mantik-ai/core/go_arrowext/ds/registry"
	"github.com/pkg/errors"
)

const ExtensionName = "arrow.json"

// BaseLayouts lists the storage types which can carry JSON text.
var BaseLayouts = []arrow.DataType{
	arrow.BinaryTypes.String,
	arrow.BinaryTypes.LargeString,
	arrow.BinaryTypes.StringView,
}

var ErrUnsupportedStorage = errors.New("unsupported JSON storage")

// JSONType is arrow's canonical JSON type whose arrays are JSONArray views.
type JSONType struct {
	*arrowext.JSONType
}

func NewJSONType(storage arrow.DataType) (*JSONType, error) {
	supported := false
	for _, b := range BaseLayouts {
		supported = supported || b.ID() == storage.ID()
	}
	if !supported {
		return nil, errors.Wrapf(ErrUnsupportedStorage, "%s", storage)
	}
	base, err := arrowext.NewJSONType(storage)
	if err != nil {
		return nil, errors.Wrapf(ErrUnsupportedStorage, "%s: %s", storage, err.Error())
	}
	return &JSONType{JSONType: base}, nil
}

func (t *JSONType) ArrayType() reflect.Type {
	return reflect.TypeOf(JSONArray{})
}

func (t *JSONType) ExtensionName() string {
	return ExtensionName
}

// Serialize returns an empty string, the extension has no metadata.
func (t *JSONType) Serialize() string {
	return ""
}

func (t *JSONType) String() string {
	return "extension<" + ExtensionName + "[storage=" + t.Storage.String() + "]>"
}

func (t *JSONType) Deserialize(storageType arrow.DataType, data string) (arrow.ExtensionType, error) {
	return NewJSONType(storageType)
}

func (t *JSONType) ExtensionEquals(other arrow.ExtensionType) bool {
	return other.ExtensionName() == ExtensionName && arrow.TypeEqual(t.Storage, other.StorageType())
}

// JSONArray is a string array whose values are JSON documents.
type JSONArray struct {
	array.ExtensionArrayBase
}

type stringValues interface {
	Value(i int) string
}

// NewJSONArray wraps string storage, the storage is retained.
func NewJSONArray(storage arrow.Array) (*JSONArray, error) {
	t, err := NewJSONType(storage.DataType())
	if err != nil {
		return nil, err
	}
	return array.NewExtensionArrayWithStorage(t, storage).(*JSONArray), nil
}

// FromRaw creates a typed view over registry handed storage.
func FromRaw(raw registry.Raw) (arrow.Array, error) {
	storage := array.MakeFromData(raw.Storage)
	defer storage.Release()
	return NewJSONArray(storage)
}

// Value returns the JSON text at index i.
func (a *JSONArray) Value(i int) string {
	return a.Storage().(stringValues).Value(i)
}

// Unmarshal decodes the document at index i into v.
func (a *JSONArray) Unmarshal(i int, v interface{}) error {
	if a.IsNull(i) {
		return errors.Errorf("element %d is null", i)
	}
	return json.Unmarshal([]byte(a.Value(i)), v)
}

// Validate returns an error for the first valid element which is not well formed JSON.
func (a *JSONArray) Validate() error {
	for i := 0; i < a.Len(); i++ {
		if a.IsValid(i) && !json.Valid([]byte(a.Value(i))) {
			return errors.Errorf("element %d is no valid JSON", i)
		}
	}
	return nil
}

// Register adds a factory for every base layout.
func Register(r *registry.Registry) error {
	for _, b := range BaseLayouts {
		if err := r.Register(b.ID(), ExtensionName, FromRaw); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ arrow.ExtensionType  = (*JSONType)(nil)
	_ array.ExtensionArray = (*JSONArray)(nil)
)
