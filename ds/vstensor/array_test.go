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
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/mantik-ai/core/go_arrowext/ds/registry"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeInt32Children builds the data child from flattened values + offsets and the shape child
// from flattened shapes.
func makeInt32Children(t *testing.T, values []int32, offsets []int32, ndim int, shapes []int32) (arrow.Array, arrow.Array) {
	mem := memory.DefaultAllocator

	dataBuilder := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int32)
	defer dataBuilder.Release()
	valueBuilder := dataBuilder.ValueBuilder().(*array.Int32Builder)
	for i := 0; i+1 < len(offsets); i++ {
		dataBuilder.Append(true)
		valueBuilder.AppendValues(values[offsets[i]:offsets[i+1]], nil)
	}

	shapeBuilder := array.NewFixedSizeListBuilder(mem, int32(ndim), arrow.PrimitiveTypes.Int32)
	defer shapeBuilder.Release()
	shapeValues := shapeBuilder.ValueBuilder().(*array.Int32Builder)
	for i := 0; ndim > 0 && i < len(shapes); i += ndim {
		shapeBuilder.Append(true)
		shapeValues.AppendValues(shapes[i:i+ndim], nil)
	}
	data, shape := dataBuilder.NewArray(), shapeBuilder.NewArray()
	t.Cleanup(func() {
		data.Release()
		shape.Release()
	})
	return data, shape
}

func makeThreeTensors(t *testing.T, opts ...Option) *VariableShapeTensorArray {
	data, shape := makeInt32Children(t, []int32{1, 2, 3, 4, 5, 6}, []int32{0, 2, 4, 6}, 1, []int32{2, 2, 2})
	arr, err := NewVariableShapeTensorArray(1, data, shape, Metadata{}, opts...)
	require.NoError(t, err)
	t.Cleanup(arr.Release)
	return arr
}

func tensorValues(t *testing.T, tensor Tensor) []int32 {
	data := tensor.Data()
	require.NotNil(t, data)
	defer data.Release()
	return append([]int32{}, data.(*array.Int32).Int32Values()...)
}

func TestBasicOperations(t *testing.T) {
	data, shape := makeInt32Children(t, []int32{1, 2, 3, 4, 5}, []int32{0, 3, 5}, 1, []int32{3, 2})
	arr, err := NewVariableShapeTensorArray(1, data, shape, Metadata{})
	require.NoError(t, err)
	defer arr.Release()

	assert.Equal(t, 2, arr.Len())
	assert.False(t, arr.Empty())
	_, ok := arr.NDim()
	assert.False(t, ok)
	assert.Equal(t, Metadata{}, arr.Metadata())
	assert.Equal(t, 2, arr.Storage().Len())
	assert.Equal(t, 2, arr.Data().Len())
	assert.Equal(t, ExtensionName, arr.ExtensionType().ExtensionName())

	first, err := arr.At(0)
	require.NoError(t, err)
	assert.False(t, first.IsNull())
	assert.Equal(t, []int32{3}, first.Shape())
	assert.Equal(t, []int32{1, 2, 3}, tensorValues(t, first))
	assert.Equal(t, int64(3), first.NumElements())

	second, err := arr.At(1)
	require.NoError(t, err)
	assert.Equal(t, []int32{2}, second.Shape())
	assert.Equal(t, []int32{4, 5}, tensorValues(t, second))
	start, end := second.Offsets()
	assert.Equal(t, int64(3), start)
	assert.Equal(t, int64(5), end)
	assert.Equal(t, 2, second.Len())
}

func TestChildAccessors(t *testing.T) {
	mem := memory.DefaultAllocator
	valuesBuilder := array.NewFloat32Builder(mem)
	defer valuesBuilder.Release()
	valuesBuilder.AppendValues([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, nil)
	values := valuesBuilder.NewArray()
	defer values.Release()

	offsets := array.NewInt32Builder(mem)
	defer offsets.Release()
	offsets.AppendValues([]int32{0, 6, 10}, nil)
	offsetArray := offsets.NewArray()
	defer offsetArray.Release()

	listData := array.NewData(arrow.ListOf(arrow.PrimitiveTypes.Float32), 2,
		[]*memory.Buffer{nil, offsetArray.Data().Buffers()[1]}, []arrow.ArrayData{values.Data()}, 0, 0)
	defer listData.Release()
	data := array.NewListData(listData)
	defer data.Release()

	shapeValues := array.NewInt32Builder(mem)
	defer shapeValues.Release()
	shapeValues.AppendValues([]int32{2, 3, 1, 4}, nil)
	flatShapes := shapeValues.NewArray()
	defer flatShapes.Release()
	shapeData := array.NewData(arrow.FixedSizeListOf(2, arrow.PrimitiveTypes.Int32), 2,
		[]*memory.Buffer{nil}, []arrow.ArrayData{flatShapes.Data()}, 0, 0)
	defer shapeData.Release()
	shape := array.NewFixedSizeListData(shapeData)
	defer shape.Release()

	arr, err := NewVariableShapeTensorArray(2, data, shape, Metadata{})
	require.NoError(t, err)
	defer arr.Release()

	require.NotNil(t, arr.DataChild())
	require.NotNil(t, arr.ShapeChild())
	assert.Equal(t, 2, arr.DataChild().Len())
	assert.Equal(t, 2, arr.ShapeChild().Len())
	assert.True(t, arrow.TypeEqual(data.DataType(), arr.DataChild().DataType()))

	tensorType := arr.ExtensionType().(*VariableShapeTensorType)
	assert.Equal(t, 2, tensorType.NDim())
	assert.Equal(t, arrow.FLOAT32, tensorType.ValueType().ID())

	second, err := arr.At(1)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 4}, second.Shape())
	values2 := second.Data()
	defer values2.Release()
	assert.Equal(t, []float32{7, 8, 9, 10}, values2.(*array.Float32).Float32Values())
}

func TestWithMetadata(t *testing.T) {
	data, shape := makeInt32Children(t, []int32{1, 2, 3, 4, 5, 6}, []int32{0, 6}, 3, []int32{2, 1, 3})
	meta := Metadata{
		DimNames:     []string{"H", "W", "C"},
		UniformShape: []Dim{Unknown, Unknown, Fixed(3)},
	}
	arr, err := NewVariableShapeTensorArray(3, data, shape, meta)
	require.NoError(t, err)
	defer arr.Release()

	assert.Equal(t, []string{"H", "W", "C"}, arr.Metadata().DimNames)
	ndim, ok := arr.NDim()
	assert.True(t, ok)
	assert.Equal(t, 3, ndim)
	assert.Equal(t, meta.ToJSON(), arr.ExtensionType().Serialize())
}

func TestValidityBitmap(t *testing.T) {
	arr := makeThreeTensors(t, WithValidity([]bool{true, false, true}))

	assert.Equal(t, 3, arr.Len())
	assert.Equal(t, 1, arr.NullN())

	e0, err := arr.At(0)
	require.NoError(t, err)
	assert.False(t, e0.IsNull())
	assert.Equal(t, []int32{1, 2}, tensorValues(t, e0))
	assert.Equal(t, []int32{2}, e0.Shape())

	e1, err := arr.At(1)
	require.NoError(t, err)
	assert.True(t, e1.IsNull())
	assert.Nil(t, e1.Data())
	assert.Nil(t, e1.Shape())
	assert.True(t, arr.IsNull(1))

	e2, err := arr.At(2)
	require.NoError(t, err)
	assert.False(t, e2.IsNull())
	assert.Equal(t, []int32{5, 6}, tensorValues(t, e2))
}

func TestAllValidWithoutBitmap(t *testing.T) {
	arr := makeThreeTensors(t, WithValidity([]bool{true, true, true}))
	assert.Equal(t, 0, arr.NullN())
	for _, tensor := range arr.All() {
		assert.False(t, tensor.IsNull())
	}
}

func TestOutOfRange(t *testing.T) {
	arr := makeThreeTensors(t)
	for _, i := range []int{0, 1, 2} {
		e, err := arr.At(i)
		assert.NoError(t, err)
		assert.False(t, e.IsNull())
	}
	for _, i := range []int{3, 10, -1} {
		_, err := arr.At(i)
		assert.Error(t, err)
		assert.True(t, errors.Is(err, ErrOutOfRange))
	}
}

func TestIteration(t *testing.T) {
	arr := makeThreeTensors(t, WithValidity([]bool{true, false, true}))

	count := 0
	for i, tensor := range arr.All() {
		assert.Equal(t, count, i)
		direct, err := arr.At(i)
		require.NoError(t, err)
		assert.Equal(t, direct, tensor)
		count++
	}
	assert.Equal(t, arr.Len(), count)

	// independent iterations see the same elements
	var first, second []Tensor
	for _, tensor := range arr.All() {
		first = append(first, tensor)
		for _, inner := range arr.All() {
			second = append(second, inner)
		}
	}
	assert.Len(t, first, 3)
	assert.Len(t, second, 9)
	assert.Equal(t, first, second[3:6])

	// early break
	seen := 0
	for range arr.All() {
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestReader(t *testing.T) {
	arr := makeThreeTensors(t)
	reader := arr.Reader()
	var read []Tensor
	for {
		tensor, err := reader.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		read = append(read, tensor)
	}
	require.Len(t, read, 3)
	for i, tensor := range read {
		direct, err := arr.At(i)
		require.NoError(t, err)
		assert.Equal(t, direct, tensor)
	}
	_, err := reader.Read()
	assert.Equal(t, io.EOF, err)

	// a new reader starts again
	tensor, err := arr.Reader().Read()
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, tensorValues(t, tensor))
}

func TestEmpty(t *testing.T) {
	data, shape := makeInt32Children(t, nil, []int32{0}, 1, nil)
	arr, err := NewVariableShapeTensorArray(1, data, shape, Metadata{})
	require.NoError(t, err)
	defer arr.Release()
	assert.True(t, arr.Empty())
	assert.Equal(t, 0, arr.Len())
	for range arr.All() {
		t.Fatal("no elements expected")
	}
	_, err = arr.At(0)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	data, shape = makeInt32Children(t, []int32{1, 2}, []int32{0, 2}, 1, []int32{2})
	arr2, err := NewVariableShapeTensorArray(1, data, shape, Metadata{})
	require.NoError(t, err)
	defer arr2.Release()
	assert.False(t, arr2.Empty())
	assert.Equal(t, 1, arr2.Len())
}

func TestNameAndAnnotations(t *testing.T) {
	data, shape := makeInt32Children(t, []int32{1, 2}, []int32{0, 2}, 2, []int32{1, 2})
	arr, err := NewVariableShapeTensorArray(2, data, shape, Metadata{},
		WithName("my_tensor_array"),
		WithAnnotations(arrow.NewMetadata([]string{"custom_key"}, []string{"custom_value"})),
	)
	require.NoError(t, err)
	defer arr.Release()

	assert.Equal(t, "my_tensor_array", arr.Name())
	assert.Equal(t, "my_tensor_array", arr.Field().Name)
	assert.True(t, arrow.TypeEqual(arr.DataType(), arr.Field().Type))

	md := arr.ExtensionMetadata()
	idx := md.FindKey("custom_key")
	require.True(t, idx >= 0)
	assert.Equal(t, "custom_value", md.Values()[idx])
	idx = md.FindKey(registry.ExtensionNameKey)
	require.True(t, idx >= 0)
	assert.Equal(t, ExtensionName, md.Values()[idx])
	idx = md.FindKey(registry.ExtensionMetadataKey)
	require.True(t, idx >= 0)
	assert.Equal(t, "{}", md.Values()[idx])

	assert.Equal(t, -1, arr.Annotations().FindKey(registry.ExtensionNameKey))
}

func TestConstructionContractViolations(t *testing.T) {
	data, shape := makeInt32Children(t, []int32{1, 2, 3, 4, 5, 6}, []int32{0, 2, 4, 6}, 1, []int32{2, 2, 2})
	shortData, _ := makeInt32Children(t, []int32{1, 2}, []int32{0, 2}, 1, nil)
	_, shape2 := makeInt32Children(t, nil, nil, 2, []int32{1, 2, 1, 2, 1, 2})

	samples := []struct {
		name string
		make func() (*VariableShapeTensorArray, error)
	}{
		{"length mismatch", func() (*VariableShapeTensorArray, error) {
			return NewVariableShapeTensorArray(1, shortData, shape, Metadata{})
		}},
		{"ndim differs from shape", func() (*VariableShapeTensorArray, error) {
			return NewVariableShapeTensorArray(2, data, shape, Metadata{})
		}},
		{"metadata ndim differs", func() (*VariableShapeTensorArray, error) {
			return NewVariableShapeTensorArray(1, data, shape, Metadata{DimNames: []string{"H", "W"}})
		}},
		{"metadata ndim differs from declared", func() (*VariableShapeTensorArray, error) {
			return NewVariableShapeTensorArray(2, data, shape2, Metadata{UniformShape: []Dim{Unknown}})
		}},
		{"shape not a fixed size list", func() (*VariableShapeTensorArray, error) {
			return NewVariableShapeTensorArray(1, data, data, Metadata{})
		}},
		{"data not a list", func() (*VariableShapeTensorArray, error) {
			return NewVariableShapeTensorArray(1, shape, shape, Metadata{})
		}},
		{"validity length", func() (*VariableShapeTensorArray, error) {
			return NewVariableShapeTensorArray(1, data, shape, Metadata{}, WithValidity([]bool{true}))
		}},
		{"negative ndim", func() (*VariableShapeTensorArray, error) {
			return NewVariableShapeTensorArray(-1, data, shape, Metadata{})
		}},
		{"missing child", func() (*VariableShapeTensorArray, error) {
			return NewVariableShapeTensorArray(1, nil, shape, Metadata{})
		}},
	}
	for _, s := range samples {
		arr, err := s.make()
		assert.Error(t, err, s.name)
		assert.True(t, errors.Is(err, ErrInvalidArray), s.name)
		assert.Nil(t, arr, s.name)
	}
}

func TestArrayAcceptsInvalidMetadata(t *testing.T) {
	data, shape := makeInt32Children(t, []int32{1, 2, 3, 4, 5, 6}, []int32{0, 2, 4, 6}, 1, []int32{2, 2, 2})
	meta := Metadata{Permutation: []int64{3}}
	require.False(t, meta.IsValid())
	arr, err := NewVariableShapeTensorArray(1, data, shape, meta)
	require.NoError(t, err)
	defer arr.Release()
	assert.False(t, arr.Metadata().IsValid())
}

func TestFieldNames(t *testing.T) {
	assert.Equal(t, "data", DataFieldName)
	assert.Equal(t, "shape", ShapeFieldName)

	arr := makeThreeTensors(t)
	storageType := arr.Storage().DataType().(*arrow.StructType)
	assert.Equal(t, DataFieldName, storageType.Field(0).Name)
	assert.Equal(t, ShapeFieldName, storageType.Field(1).Name)
}

func TestString(t *testing.T) {
	arr := makeThreeTensors(t, WithValidity([]bool{true, false, true}))
	assert.Equal(t, "[{data: [1 2], shape: [2]} (null) {data: [5 6], shape: [2]}]", arr.String())
}

func TestFromRaw(t *testing.T) {
	arr := makeThreeTensors(t, WithValidity([]bool{false, true, true}))
	raw := registry.Raw{
		Field:      arrow.Field{Name: "restored", Metadata: arrow.NewMetadata([]string{"k"}, []string{"v"})},
		Storage:    arr.Storage().Data(),
		Extension:  ExtensionName,
		Serialized: `{"dim_names":["x"]}`,
	}
	view, err := FromRaw(raw)
	require.NoError(t, err)
	defer view.Release()
	restored := view.(*VariableShapeTensorArray)
	assert.Equal(t, "restored", restored.Name())
	assert.Equal(t, []string{"x"}, restored.Metadata().DimNames)
	assert.Equal(t, 3, restored.Len())
	assert.True(t, restored.IsNull(0))
	e, err := restored.At(2)
	require.NoError(t, err)
	assert.Equal(t, []int32{5, 6}, tensorValues(t, e))

	raw.Serialized = `{"dim_names":["x","y"]}`
	_, err = FromRaw(raw)
	assert.True(t, errors.Is(err, ErrInvalidArray))

	raw.Serialized = `{"dim_names":`
	_, err = FromRaw(raw)
	assert.True(t, errors.Is(err, ErrParse))
}

func TestRegister(t *testing.T) {
	r := registry.New()
	require.NoError(t, Register(r))
	_, ok := r.Lookup(arrow.STRUCT, ExtensionName)
	assert.True(t, ok)
	assert.True(t, errors.Is(Register(r), registry.ErrAlreadyRegistered))
}

func TestFromRawWithoutExtensionMetadata(t *testing.T) {
	arr := makeThreeTensors(t)
	field := arrow.Field{
		Name:     "untyped",
		Type:     arr.Storage().DataType(),
		Metadata: arrow.NewMetadata([]string{registry.ExtensionNameKey}, []string{ExtensionName}),
	}
	raw, tagged := registry.RawFromField(field, arr.Storage())
	require.True(t, tagged)
	assert.Equal(t, "", raw.Serialized)

	view, err := FromRaw(raw)
	require.NoError(t, err)
	defer view.Release()
	restored := view.(*VariableShapeTensorArray)
	assert.Equal(t, Metadata{}, restored.Metadata())
	assert.Equal(t, 3, restored.Len())

	back, err := arr.ExtensionType().Deserialize(arr.Storage().DataType(), "")
	require.NoError(t, err)
	assert.True(t, arr.ExtensionType().ExtensionEquals(back))

	// whitespace only text is still malformed
	raw.Serialized = " "
	_, err = FromRaw(raw)
	assert.True(t, errors.Is(err, ErrParse))
}

func TestSlicedArray(t *testing.T) {
	arr := makeThreeTensors(t, WithValidity([]bool{true, false, true}))
	sliced := array.NewSlice(arr, 1, 3)
	defer sliced.Release()
	view, ok := sliced.(*VariableShapeTensorArray)
	require.True(t, ok, "got %T", sliced)
	assert.Equal(t, 2, view.Len())
	assert.Equal(t, 1, view.NullN())

	first, err := view.At(0)
	require.NoError(t, err)
	assert.True(t, first.IsNull())

	second, err := view.At(1)
	require.NoError(t, err)
	assert.False(t, second.IsNull())
	assert.Equal(t, []int32{2}, second.Shape())
	assert.Equal(t, []int32{5, 6}, tensorValues(t, second))

	_, err = view.At(2)
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestSlicedChildren(t *testing.T) {
	data, shape := makeInt32Children(t, []int32{1, 2, 3, 4, 5, 6}, []int32{0, 1, 3, 6}, 1, []int32{1, 2, 3})
	slicedData := array.NewSlice(data, 1, 3)
	defer slicedData.Release()
	slicedShape := array.NewSlice(shape, 1, 3)
	defer slicedShape.Release()

	arr, err := NewVariableShapeTensorArray(1, slicedData, slicedShape, Metadata{}, WithValidity([]bool{false, true}))
	require.NoError(t, err)
	defer arr.Release()
	assert.Equal(t, 2, arr.Len())

	first, err := arr.At(0)
	require.NoError(t, err)
	assert.True(t, first.IsNull())

	second, err := arr.At(1)
	require.NoError(t, err)
	assert.Equal(t, []int32{3}, second.Shape())
	assert.Equal(t, []int32{4, 5, 6}, tensorValues(t, second))

	var shapes [][]int32
	for _, tensor := range arr.All() {
		shapes = append(shapes, tensor.Shape())
	}
	assert.Equal(t, [][]int32{nil, {3}}, shapes)
}
