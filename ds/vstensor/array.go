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
	"io"
	"iter"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/bitutil"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/mantik-ai/core/go_arrowext/ds/registry"
	"github.com/pkg/errors"
)

// ErrInvalidArray is returned (wrapped) if children, ndim and metadata do not fit together.
var ErrInvalidArray = errors.New("invalid variable shape tensor array")

// ErrOutOfRange is returned (wrapped) on access beyond the array length.
var ErrOutOfRange = errors.New("index out of range")

/*
VariableShapeTensorArray is a view over struct storage pairing each element's flattened
values (data child) with its per axis extents (shape child).

The array is immutable, new elements are added through a Builder.
*/
type VariableShapeTensorArray struct {
	array.ExtensionArrayBase
	name        string
	annotations arrow.Metadata
}

type options struct {
	validity    []bool
	name        string
	annotations arrow.Metadata
	mem         memory.Allocator
}

// Option configures the construction of a VariableShapeTensorArray.
type Option func(*options)

// WithValidity marks elements as null where validity is false. Without it all elements are valid.
func WithValidity(validity []bool) Option {
	return func(o *options) {
		o.validity = validity
	}
}

// WithName sets the field name of the array.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithAnnotations adds free-form key/values which are reported next to the extension tag.
func WithAnnotations(annotations arrow.Metadata) Option {
	return func(o *options) {
		o.annotations = annotations
	}
}

// WithAllocator sets the allocator for the validity bitmap.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) {
		o.mem = mem
	}
}

/*
NewVariableShapeTensorArray wraps data and shape into a tensor array.

data must be a list (or large list) array, shape a fixed size list of int32 with
list size ndim, both of the same length. If metadata declares a number of
dimensions, it must be ndim. Metadata is not validated otherwise.

The children are retained, the caller keeps its own references.
*/
func NewVariableShapeTensorArray(ndim int, data arrow.Array, shape arrow.Array, metadata Metadata, opts ...Option) (*VariableShapeTensorArray, error) {
	o := options{mem: memory.DefaultAllocator}
	for _, opt := range opts {
		opt(&o)
	}
	if data == nil || shape == nil {
		return nil, errors.Wrap(ErrInvalidArray, "missing child array")
	}
	if ndim < 0 {
		return nil, errors.Wrapf(ErrInvalidArray, "negative ndim %d", ndim)
	}
	if data.Len() != shape.Len() {
		return nil, errors.Wrapf(ErrInvalidArray, "data has %d elements, shape has %d", data.Len(), shape.Len())
	}
	shapeType, ok := shape.DataType().(*arrow.FixedSizeListType)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidArray, "shape must be a fixed size list, got %s", shape.DataType())
	}
	if int(shapeType.Len()) != ndim {
		return nil, errors.Wrapf(ErrInvalidArray, "shape has list size %d, expected ndim %d", shapeType.Len(), ndim)
	}
	length := data.Len()
	if o.validity != nil && len(o.validity) != length {
		return nil, errors.Wrapf(ErrInvalidArray, "validity has %d entries, expected %d", len(o.validity), length)
	}

	storageType := arrow.StructOf(
		arrow.Field{Name: DataFieldName, Type: data.DataType(), Nullable: true},
		arrow.Field{Name: ShapeFieldName, Type: shape.DataType(), Nullable: true},
	)
	tensorType, err := newTypeFromStorage(storageType, metadata)
	if err != nil {
		return nil, err
	}

	bitmap, nulls := buildValidityBitmap(o.mem, o.validity)
	if bitmap != nil {
		defer bitmap.Release()
	}
	storageData := array.NewData(storageType, length, []*memory.Buffer{bitmap}, []arrow.ArrayData{data.Data(), shape.Data()}, nulls, 0)
	defer storageData.Release()
	storage := array.NewStructData(storageData)
	defer storage.Release()

	result := array.NewExtensionArrayWithStorage(tensorType, storage).(*VariableShapeTensorArray)
	result.name = o.name
	result.annotations = o.annotations
	return result, nil
}

// buildValidityBitmap returns nil if all elements are valid.
func buildValidityBitmap(mem memory.Allocator, validity []bool) (*memory.Buffer, int) {
	nulls := 0
	for _, v := range validity {
		if !v {
			nulls++
		}
	}
	if nulls == 0 {
		return nil, 0
	}
	bitmap := memory.NewResizableBuffer(mem)
	bitmap.Resize(int(bitutil.BytesForBits(int64(len(validity)))))
	bytes := bitmap.Bytes()
	for i, v := range validity {
		bitutil.SetBitTo(bytes, i, v)
	}
	return bitmap, nulls
}

// FromRaw creates a typed view over registry handed storage.
func FromRaw(raw registry.Raw) (arrow.Array, error) {
	metadata, err := parseSerialized(raw.Serialized)
	if err != nil {
		return nil, err
	}
	tensorType, err := newTypeFromStorage(raw.Storage.DataType(), metadata)
	if err != nil {
		return nil, err
	}
	storage := array.MakeFromData(raw.Storage)
	defer storage.Release()
	result := array.NewExtensionArrayWithStorage(tensorType, storage).(*VariableShapeTensorArray)
	result.name = raw.Field.Name
	result.annotations = raw.Field.Metadata
	return result, nil
}

func (a *VariableShapeTensorArray) tensorType() *VariableShapeTensorType {
	return a.ExtensionType().(*VariableShapeTensorType)
}

func (a *VariableShapeTensorArray) structStorage() *array.Struct {
	return a.Storage().(*array.Struct)
}

// Empty returns true if there are no elements.
func (a *VariableShapeTensorArray) Empty() bool {
	return a.Len() == 0
}

// NDim returns the number of axes as declared by the metadata.
func (a *VariableShapeTensorArray) NDim() (int, bool) {
	return a.tensorType().metadata.NDim()
}

// Metadata returns the shared metadata. The returned slices must not be modified.
func (a *VariableShapeTensorArray) Metadata() Metadata {
	return a.tensorType().metadata
}

// DataChild returns the list array holding the flattened values.
func (a *VariableShapeTensorArray) DataChild() array.ListLike {
	return a.structStorage().Field(0).(array.ListLike)
}

// ShapeChild returns the fixed size list array holding the shapes.
func (a *VariableShapeTensorArray) ShapeChild() *array.FixedSizeList {
	return a.structStorage().Field(1).(*array.FixedSizeList)
}

// Name returns the field name given on construction.
func (a *VariableShapeTensorArray) Name() string {
	return a.name
}

// Annotations returns the free-form key/values given on construction.
func (a *VariableShapeTensorArray) Annotations() arrow.Metadata {
	return a.annotations
}

// Field describes the array in a schema.
func (a *VariableShapeTensorArray) Field() arrow.Field {
	return arrow.Field{Name: a.name, Type: a.DataType(), Nullable: true, Metadata: a.annotations}
}

// ExtensionMetadata returns the annotations merged with the extension tag.
func (a *VariableShapeTensorArray) ExtensionMetadata() arrow.Metadata {
	return registry.WithExtensionTag(a.annotations, ExtensionName, a.tensorType().Serialize())
}

// At returns the element at index i.
func (a *VariableShapeTensorArray) At(i int) (Tensor, error) {
	if i < 0 || i >= a.Len() {
		return Tensor{}, errors.Wrapf(ErrOutOfRange, "index %d, length %d", i, a.Len())
	}
	return a.tensorAt(i), nil
}

func (a *VariableShapeTensorArray) tensorAt(i int) Tensor {
	if a.IsNull(i) {
		return Tensor{}
	}
	data := a.DataChild()
	start, end := data.ValueOffsets(i)
	shape := a.ShapeChild()
	shapeStart, shapeEnd := shape.ValueOffsets(i)
	shapeValues := shape.ListValues().(*array.Int32).Int32Values()
	return Tensor{
		valid:  true,
		values: data.ListValues(),
		start:  start,
		end:    end,
		shape:  shapeValues[shapeStart:shapeEnd],
	}
}

// All iterates over the elements in index order.
func (a *VariableShapeTensorArray) All() iter.Seq2[int, Tensor] {
	return func(yield func(int, Tensor) bool) {
		for i := 0; i < a.Len(); i++ {
			if !yield(i, a.tensorAt(i)) {
				return
			}
		}
	}
}

// Reader returns a new reader positioned at the first element.
func (a *VariableShapeTensorArray) Reader() *TensorReader {
	return &TensorReader{array: a}
}

func (a *VariableShapeTensorArray) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, t := range a.All() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(t.String())
	}
	sb.WriteByte(']')
	return sb.String()
}

// TensorReader reads the elements of an array one by one.
type TensorReader struct {
	array *VariableShapeTensorArray
	pos   int
}

// Read returns the next element, io.EOF after the last one.
func (r *TensorReader) Read() (Tensor, error) {
	if r.pos >= r.array.Len() {
		return Tensor{}, io.EOF
	}
	t := r.array.tensorAt(r.pos)
	r.pos += 1
	return t, nil
}

// Register adds the factory for variable shape tensor storage.
func Register(r *registry.Registry) error {
	return r.Register(arrow.STRUCT, ExtensionName, FromRaw)
}

var (
	_ arrow.ExtensionType  = (*VariableShapeTensorType)(nil)
	_ array.ExtensionArray = (*VariableShapeTensorArray)(nil)
)
