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
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
)

/*
Builder assembles a VariableShapeTensorArray element by element.

An element is started with Append, its flattened values are then appended to ValueBuilder.

	b, err := NewBuilder(mem, arrow.PrimitiveTypes.Float32, 2, Metadata{})
	if err != nil {
		return err
	}
	defer b.Release()
	_ = b.Append([]int32{2, 1})
	b.ValueBuilder().(*array.Float32Builder).AppendValues([]float32{1, 2}, nil)
	arr, err := b.NewArray()
*/
type Builder struct {
	mem      memory.Allocator
	ndim     int
	metadata Metadata
	opts     []Option
	data     *array.ListBuilder
	shape    *array.FixedSizeListBuilder
	validity []bool
}

// NewBuilder fails for an ndim outside of [0, MaxInt32].
func NewBuilder(mem memory.Allocator, valueType arrow.DataType, ndim int, metadata Metadata, opts ...Option) (*Builder, error) {
	if ndim < 0 || ndim > math.MaxInt32 {
		return nil, errors.Wrapf(ErrInvalidArray, "ndim %d out of range", ndim)
	}
	return &Builder{
		mem:      mem,
		ndim:     ndim,
		metadata: metadata,
		opts:     opts,
		data:     array.NewListBuilder(mem, valueType),
		shape:    array.NewFixedSizeListBuilder(mem, int32(ndim), arrow.PrimitiveTypes.Int32),
	}, nil
}

// DataBuilder returns the builder of the data child.
func (b *Builder) DataBuilder() *array.ListBuilder {
	return b.data
}

// ValueBuilder returns the builder receiving the flattened values of the current element.
func (b *Builder) ValueBuilder() array.Builder {
	return b.data.ValueBuilder()
}

// ShapeBuilder returns the builder of the shape child.
func (b *Builder) ShapeBuilder() *array.FixedSizeListBuilder {
	return b.shape
}

func (b *Builder) shapeValues() *array.Int32Builder {
	return b.shape.ValueBuilder().(*array.Int32Builder)
}

// Append starts a new valid element with the given shape.
func (b *Builder) Append(shape []int32) error {
	if len(shape) != b.ndim {
		return errors.Wrapf(ErrInvalidArray, "shape has %d entries, expected %d", len(shape), b.ndim)
	}
	b.data.Append(true)
	b.shape.Append(true)
	b.shapeValues().AppendValues(shape, nil)
	b.validity = append(b.validity, true)
	return nil
}

// AppendNull adds a null element, it gets no values and a zero shape.
func (b *Builder) AppendNull() {
	b.data.Append(true)
	b.shape.Append(true)
	b.shapeValues().AppendValues(make([]int32, b.ndim), nil)
	b.validity = append(b.validity, false)
}

// Len returns the number of elements appended since the last NewArray.
func (b *Builder) Len() int {
	return len(b.validity)
}

// NewArray creates the array from all appended elements and resets the builder.
func (b *Builder) NewArray() (*VariableShapeTensorArray, error) {
	data := b.data.NewArray()
	defer data.Release()
	shape := b.shape.NewArray()
	defer shape.Release()
	validity := b.validity
	b.validity = nil
	opts := append([]Option{WithAllocator(b.mem)}, b.opts...)
	opts = append(opts, WithValidity(validity))
	return NewVariableShapeTensorArray(b.ndim, data, shape, b.metadata, opts...)
}

func (b *Builder) Release() {
	b.data.Release()
	b.shape.Release()
}
