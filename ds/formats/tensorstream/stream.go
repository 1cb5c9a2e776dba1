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
Package tensorstream exports variable shape tensor arrays row by row through a serializer backend.

Layout of a stream:

	[extensionName, metadataJSON, ndim, valueTypeName]
	[element, element, ...]

where each element is either nil or [[shape...], [values...]].
*/
package tensorstream

import (
	"math"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/mantik-ai/core/go_arrowext/ds/util/serializer"
	"github.com/mantik-ai/core/go_arrowext/ds/vstensor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const headerLength = 4

// Encode writes the header and all elements of arr.
func Encode(backend serializer.SerializingBackend, arr *vstensor.VariableShapeTensorArray) error {
	tensorType := arr.ExtensionType().(*vstensor.VariableShapeTensorType)
	codec, err := lookupCodec(tensorType.ValueType())
	if err != nil {
		return err
	}
	if err := encodeHeader(backend, tensorType); err != nil {
		return errors.Wrap(err, "Could not encode header")
	}
	if err := backend.EncodeArrayLen(arr.Len()); err != nil {
		return err
	}
	for i, tensor := range arr.All() {
		if err := encodeTensor(backend, codec, tensor); err != nil {
			return errors.Wrapf(err, "Could not encode element %d", i)
		}
	}
	return backend.Flush()
}

func encodeHeader(backend serializer.SerializingBackend, tensorType *vstensor.VariableShapeTensorType) error {
	if err := backend.EncodeArrayLen(headerLength); err != nil {
		return err
	}
	if err := backend.EncodeString(tensorType.ExtensionName()); err != nil {
		return err
	}
	if err := backend.EncodeString(tensorType.Serialize()); err != nil {
		return err
	}
	if err := backend.EncodeInt64(int64(tensorType.NDim())); err != nil {
		return err
	}
	return backend.EncodeString(tensorType.ValueType().Name())
}

func encodeTensor(backend serializer.SerializingBackend, codec valueCodec, tensor vstensor.Tensor) error {
	if tensor.IsNull() {
		return backend.EncodeNil()
	}
	if err := backend.EncodeArrayLen(2); err != nil {
		return err
	}
	shape := tensor.Shape()
	if err := backend.EncodeArrayLen(len(shape)); err != nil {
		return err
	}
	for _, d := range shape {
		if err := backend.EncodeInt32(d); err != nil {
			return err
		}
	}
	values := tensor.Data()
	defer values.Release()
	return codec.encode(backend, values)
}

type header struct {
	metadata  vstensor.Metadata
	ndim      int
	valueType string
}

func decodeHeader(backend serializer.DeserializingBackend) (header, error) {
	var h header
	l, err := backend.DecodeArrayLen()
	if err != nil {
		return h, err
	}
	if l != headerLength {
		return h, errors.Errorf("Expected header of length %d, got %d", headerLength, l)
	}
	name, err := backend.DecodeString()
	if err != nil {
		return h, err
	}
	if name != vstensor.ExtensionName {
		return h, errors.Errorf("Unexpected extension %s", name)
	}
	metadataText, err := backend.DecodeString()
	if err != nil {
		return h, err
	}
	h.metadata, err = vstensor.ParseMetadata(metadataText)
	if err != nil {
		return h, err
	}
	ndim, err := backend.DecodeInt64()
	if err != nil {
		return h, err
	}
	if ndim < 0 || ndim > math.MaxInt32 {
		return h, errors.Errorf("ndim %d out of range", ndim)
	}
	h.ndim = int(ndim)
	h.valueType, err = backend.DecodeString()
	return h, err
}

// Decode reads a stream written by Encode.
func Decode(mem memory.Allocator, backend serializer.DeserializingBackend, opts ...vstensor.Option) (*vstensor.VariableShapeTensorArray, error) {
	h, err := decodeHeader(backend)
	if err != nil {
		return nil, errors.Wrap(err, "Could not decode header")
	}
	valueType, ok := valueTypes[h.valueType]
	if !ok {
		return nil, errors.Errorf("Unsupported tensor value type %s", h.valueType)
	}
	codec, err := lookupCodec(valueType)
	if err != nil {
		return nil, err
	}
	count, err := backend.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	logrus.Debugf("Decoding %d tensors of %s with %d dimensions", count, valueType, h.ndim)

	builder, err := vstensor.NewBuilder(mem, valueType, h.ndim, h.metadata, opts...)
	if err != nil {
		return nil, err
	}
	defer builder.Release()
	for i := 0; i < count; i++ {
		if err := decodeTensor(backend, codec, builder); err != nil {
			return nil, errors.Wrapf(err, "Could not decode element %d", i)
		}
	}
	return builder.NewArray()
}

func decodeTensor(backend serializer.DeserializingBackend, codec valueCodec, builder *vstensor.Builder) error {
	l, err := backend.DecodeArrayLen()
	if err != nil {
		return err
	}
	if l < 0 {
		builder.AppendNull()
		return nil
	}
	if l != 2 {
		return errors.Errorf("Expected element of length 2, got %d", l)
	}
	shapeLength, err := backend.DecodeArrayLen()
	if err != nil {
		return err
	}
	if shapeLength < 0 {
		return errors.New("Missing shape")
	}
	shape := make([]int32, shapeLength)
	for i := range shape {
		if shape[i], err = backend.DecodeInt32(); err != nil {
			return err
		}
	}
	if err := builder.Append(shape); err != nil {
		return err
	}
	valueCount, err := backend.DecodeArrayLen()
	if err != nil {
		return err
	}
	if valueCount < 0 {
		return errors.New("Missing values")
	}
	return codec.decode(backend, builder.ValueBuilder(), valueCount)
}
