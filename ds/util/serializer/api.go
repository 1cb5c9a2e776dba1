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

// Package serializer contains streaming backends with an API in the shape of vmihailenco/msgpack.
package serializer

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

type BackendType = int

const BACKEND_MSGPACK BackendType = 1
const BACKEND_JSON BackendType = 2

func CreateSerializingBackend(backendType BackendType, destination io.Writer) (SerializingBackend, error) {
	switch backendType {
	case BACKEND_MSGPACK:
		return &msgPackSerializingBackend{msgpack.NewEncoder(destination)}, nil
	case BACKEND_JSON:
		return &jsonSerializer{destination: destination}, nil
	default:
		return nil, errors.Errorf("Unsupported backend %d", backendType)
	}
}

func CreateDeserializingBackend(backendType BackendType, reader io.Reader) (DeserializingBackend, error) {
	switch backendType {
	case BACKEND_MSGPACK:
		return &msgPackDeserializingBackend{msgpack.NewDecoder(reader)}, nil
	case BACKEND_JSON:
		decoder := json.NewDecoder(reader)
		decoder.UseNumber()
		return &jsonDeserializer{decoder: decoder}, nil
	default:
		return nil, errors.Errorf("Unsupported backend %d", backendType)
	}
}

// SerializingBackend writes a stream of values.
// Methods are like in msgpack.Encoder, so that it can be embedded directly.
type SerializingBackend interface {
	EncodeArrayLen(l int) error
	EncodeNil() error
	EncodeInt8(v int8) error
	EncodeUint8(v uint8) error
	EncodeInt16(v int16) error
	EncodeUint16(v uint16) error
	EncodeInt32(v int32) error
	EncodeUint32(v uint32) error
	EncodeInt64(v int64) error
	EncodeUint64(v uint64) error
	EncodeString(s string) error
	EncodeFloat32(f float32) error
	EncodeFloat64(f float64) error
	EncodeBool(b bool) error
	Flush() error
}

// DeserializingBackend reads what a SerializingBackend of the same type wrote.
type DeserializingBackend interface {
	// Returns -1 if the next value is nil (which is consumed).
	DecodeArrayLen() (int, error)
	DecodeNil() error
	DecodeInt8() (int8, error)
	DecodeUint8() (uint8, error)
	DecodeInt16() (int16, error)
	DecodeUint16() (uint16, error)
	DecodeInt32() (int32, error)
	DecodeUint32() (uint32, error)
	DecodeInt64() (int64, error)
	DecodeUint64() (uint64, error)
	DecodeString() (string, error)
	DecodeFloat32() (float32, error)
	DecodeFloat64() (float64, error)
	DecodeBool() (bool, error)
}
