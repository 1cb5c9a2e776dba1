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
package tensorstream

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/mantik-ai/core/go_arrowext/ds/util/serializer"
	"github.com/pkg/errors"
)

// valueCodec moves the flattened values of one tensor between arrow and a backend.
type valueCodec struct {
	encode func(backend serializer.SerializingBackend, values arrow.Array) error
	decode func(backend serializer.DeserializingBackend, builder array.Builder, count int) error
}

type valueArray[T any] interface {
	arrow.Array
	Value(i int) T
}

type valueBuilder[T any] interface {
	array.Builder
	Append(v T)
}

func makeCodec[T any, A valueArray[T], B valueBuilder[T]](
	enc func(serializer.SerializingBackend, T) error,
	dec func(serializer.DeserializingBackend) (T, error),
) valueCodec {
	return valueCodec{
		encode: func(backend serializer.SerializingBackend, values arrow.Array) error {
			typed, ok := values.(A)
			if !ok {
				return errors.Errorf("Unexpected value array %T", values)
			}
			if typed.NullN() > 0 {
				return errors.New("Null values inside of tensors are not supported")
			}
			if err := backend.EncodeArrayLen(typed.Len()); err != nil {
				return err
			}
			for i := 0; i < typed.Len(); i++ {
				if err := enc(backend, typed.Value(i)); err != nil {
					return err
				}
			}
			return nil
		},
		decode: func(backend serializer.DeserializingBackend, builder array.Builder, count int) error {
			typed, ok := builder.(B)
			if !ok {
				return errors.Errorf("Unexpected value builder %T", builder)
			}
			for i := 0; i < count; i++ {
				v, err := dec(backend)
				if err != nil {
					return err
				}
				typed.Append(v)
			}
			return nil
		},
	}
}

var codecs = map[arrow.Type]valueCodec{
	arrow.INT8: makeCodec[int8, *array.Int8, *array.Int8Builder](
		serializer.SerializingBackend.EncodeInt8, serializer.DeserializingBackend.DecodeInt8),
	arrow.UINT8: makeCodec[uint8, *array.Uint8, *array.Uint8Builder](
		serializer.SerializingBackend.EncodeUint8, serializer.DeserializingBackend.DecodeUint8),
	arrow.INT16: makeCodec[int16, *array.Int16, *array.Int16Builder](
		serializer.SerializingBackend.EncodeInt16, serializer.DeserializingBackend.DecodeInt16),
	arrow.UINT16: makeCodec[uint16, *array.Uint16, *array.Uint16Builder](
		serializer.SerializingBackend.EncodeUint16, serializer.DeserializingBackend.DecodeUint16),
	arrow.INT32: makeCodec[int32, *array.Int32, *array.Int32Builder](
		serializer.SerializingBackend.EncodeInt32, serializer.DeserializingBackend.DecodeInt32),
	arrow.UINT32: makeCodec[uint32, *array.Uint32, *array.Uint32Builder](
		serializer.SerializingBackend.EncodeUint32, serializer.DeserializingBackend.DecodeUint32),
	arrow.INT64: makeCodec[int64, *array.Int64, *array.Int64Builder](
		serializer.SerializingBackend.EncodeInt64, serializer.DeserializingBackend.DecodeInt64),
	arrow.UINT64: makeCodec[uint64, *array.Uint64, *array.Uint64Builder](
		serializer.SerializingBackend.EncodeUint64, serializer.DeserializingBackend.DecodeUint64),
	arrow.FLOAT32: makeCodec[float32, *array.Float32, *array.Float32Builder](
		serializer.SerializingBackend.EncodeFloat32, serializer.DeserializingBackend.DecodeFloat32),
	arrow.FLOAT64: makeCodec[float64, *array.Float64, *array.Float64Builder](
		serializer.SerializingBackend.EncodeFloat64, serializer.DeserializingBackend.DecodeFloat64),
}

// valueTypes maps the names written into stream headers back to types.
var valueTypes = map[string]arrow.DataType{
	arrow.PrimitiveTypes.Int8.Name():    arrow.PrimitiveTypes.Int8,
	arrow.PrimitiveTypes.Uint8.Name():   arrow.PrimitiveTypes.Uint8,
	arrow.PrimitiveTypes.Int16.Name():   arrow.PrimitiveTypes.Int16,
	arrow.PrimitiveTypes.Uint16.Name():  arrow.PrimitiveTypes.Uint16,
	arrow.PrimitiveTypes.Int32.Name():   arrow.PrimitiveTypes.Int32,
	arrow.PrimitiveTypes.Uint32.Name():  arrow.PrimitiveTypes.Uint32,
	arrow.PrimitiveTypes.Int64.Name():   arrow.PrimitiveTypes.Int64,
	arrow.PrimitiveTypes.Uint64.Name():  arrow.PrimitiveTypes.Uint64,
	arrow.PrimitiveTypes.Float32.Name(): arrow.PrimitiveTypes.Float32,
	arrow.PrimitiveTypes.Float64.Name(): arrow.PrimitiveTypes.Float64,
}

func lookupCodec(valueType arrow.DataType) (valueCodec, error) {
	codec, ok := codecs[valueType.ID()]
	if !ok {
		return valueCodec{}, errors.Errorf("Unsupported tensor value type %s", valueType)
	}
	return codec, nil
}
