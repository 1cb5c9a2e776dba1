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
package vstensor

import (
	"fmt"
	"reflect"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pkg/errors"
)

// ExtensionName identifies variable shape tensor arrays.
const ExtensionName = "arrow.variable_shape_tensor"

// Field names of the storage struct.
const (
	DataFieldName  = "data"
	ShapeFieldName = "shape"
)

// VariableShapeTensorType is the arrow extension type of a variable shape tensor array.
// The storage is struct<data: list<T>, shape: fixed_size_list<int32>[ndim]>.
type VariableShapeTensorType struct {
	arrow.ExtensionBase
	ndim     int
	metadata Metadata
}

// NewVariableShapeTensorType creates the type for tensors of the given value type, using list offsets.
func NewVariableShapeTensorType(valueType arrow.DataType, ndim int, metadata Metadata) (*VariableShapeTensorType, error) {
	if ndim < 0 {
		return nil, errors.Wrapf(ErrInvalidArray, "negative ndim %d", ndim)
	}
	storage := arrow.StructOf(
		arrow.Field{Name: DataFieldName, Type: arrow.ListOf(valueType), Nullable: true},
		arrow.Field{Name: ShapeFieldName, Type: arrow.FixedSizeListOf(int32(ndim), arrow.PrimitiveTypes.Int32), Nullable: true},
	)
	return newTypeFromStorage(storage, metadata)
}

// newTypeFromStorage checks the layout of the storage struct and derives ndim from the shape field.
func newTypeFromStorage(storage arrow.DataType, metadata Metadata) (*VariableShapeTensorType, error) {
	st, ok := storage.(*arrow.StructType)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidArray, "storage must be a struct, got %s", storage)
	}
	if st.NumFields() != 2 {
		return nil, errors.Wrapf(ErrInvalidArray, "storage must have 2 fields, got %d", st.NumFields())
	}
	dataField, shapeField := st.Field(0), st.Field(1)
	if dataField.Name != DataFieldName || shapeField.Name != ShapeFieldName {
		return nil, errors.Wrapf(ErrInvalidArray, "storage fields must be named %s and %s, got %s and %s",
			DataFieldName, ShapeFieldName, dataField.Name, shapeField.Name)
	}
	switch dataField.Type.ID() {
	case arrow.LIST, arrow.LARGE_LIST:
	default:
		return nil, errors.Wrapf(ErrInvalidArray, "data must be a list, got %s", dataField.Type)
	}
	shapeType, ok := shapeField.Type.(*arrow.FixedSizeListType)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidArray, "shape must be a fixed size list, got %s", shapeField.Type)
	}
	if shapeType.Elem().ID() != arrow.INT32 {
		return nil, errors.Wrapf(ErrInvalidArray, "shape values must be int32, got %s", shapeType.Elem())
	}
	ndim := int(shapeType.Len())
	if metadataNDim, ok := metadata.NDim(); ok && metadataNDim != ndim {
		return nil, errors.Wrapf(ErrInvalidArray, "metadata declares %d dimensions, shape has %d", metadataNDim, ndim)
	}
	return &VariableShapeTensorType{
		ExtensionBase: arrow.ExtensionBase{Storage: st},
		ndim:          ndim,
		metadata:      metadata,
	}, nil
}

// parseSerialized treats a missing extension metadata entry like {}.
func parseSerialized(data string) (Metadata, error) {
	if data == "" {
		return Metadata{}, nil
	}
	return ParseMetadata(data)
}

func (t *VariableShapeTensorType) ArrayType() reflect.Type {
	return reflect.TypeOf(VariableShapeTensorArray{})
}

func (t *VariableShapeTensorType) ExtensionName() string {
	return ExtensionName
}

func (t *VariableShapeTensorType) String() string {
	return fmt.Sprintf("extension<%s[value_type=%s, ndim=%d]>", ExtensionName, t.ValueType(), t.ndim)
}

// Serialize returns the canonical metadata text.
func (t *VariableShapeTensorType) Serialize() string {
	return t.metadata.ToJSON()
}

func (t *VariableShapeTensorType) Deserialize(storageType arrow.DataType, data string) (arrow.ExtensionType, error) {
	metadata, err := parseSerialized(data)
	if err != nil {
		return nil, err
	}
	return newTypeFromStorage(storageType, metadata)
}

func (t *VariableShapeTensorType) ExtensionEquals(other arrow.ExtensionType) bool {
	o, ok := other.(*VariableShapeTensorType)
	if !ok {
		return false
	}
	return arrow.TypeEqual(t.Storage, o.Storage) && t.metadata.Equal(o.metadata)
}

// NDim returns the number of axes of every element's shape.
func (t *VariableShapeTensorType) NDim() int {
	return t.ndim
}

// Metadata returns the metadata shared by all elements.
func (t *VariableShapeTensorType) Metadata() Metadata {
	return t.metadata
}

// ValueType returns the type of the flattened tensor values.
func (t *VariableShapeTensorType) ValueType() arrow.DataType {
	dataType := t.Storage.(*arrow.StructType).Field(0).Type
	return dataType.(arrow.ListLikeType).Elem()
}
