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
package serializer

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

type jsonElementType = int

const (
	jsonLiteral jsonElementType = iota // number, bool or null
	jsonString
	jsonArray // value is the array length
)

type jsonElement struct {
	elementType jsonElementType
	value       interface{}
}

/*
jsonDeserializer reads top level JSON values one at a time and flattens them
into elements, so that arrays can be read like in msgpack (length first).
*/
type jsonDeserializer struct {
	decoder *json.Decoder
	pending []jsonElement
}

func (j *jsonDeserializer) nextElement() (jsonElement, error) {
	if len(j.pending) == 0 {
		var value interface{}
		if err := j.decoder.Decode(&value); err != nil {
			return jsonElement{}, err
		}
		if err := flattenJson(value, &j.pending); err != nil {
			return jsonElement{}, err
		}
	}
	result := j.pending[0]
	j.pending = j.pending[1:]
	return result, nil
}

func flattenJson(value interface{}, result *[]jsonElement) error {
	switch v := value.(type) {
	case []interface{}:
		*result = append(*result, jsonElement{jsonArray, len(v)})
		for _, sub := range v {
			if err := flattenJson(sub, result); err != nil {
				return err
			}
		}
	case string:
		*result = append(*result, jsonElement{jsonString, v})
	case json.Number, bool, nil:
		*result = append(*result, jsonElement{jsonLiteral, v})
	default:
		return errors.Errorf("Unsupported JSON value %T", value)
	}
	return nil
}

func (j *jsonDeserializer) DecodeArrayLen() (int, error) {
	e, err := j.nextElement()
	if err != nil {
		return 0, err
	}
	switch {
	case e.elementType == jsonArray:
		return e.value.(int), nil
	case e.elementType == jsonLiteral && e.value == nil:
		return -1, nil
	}
	return 0, errors.Errorf("Expected array, got %v", e.value)
}

func (j *jsonDeserializer) DecodeNil() error {
	e, err := j.nextElement()
	if err != nil {
		return err
	}
	if e.elementType != jsonLiteral || e.value != nil {
		return errors.Errorf("Expected null, got %v", e.value)
	}
	return nil
}

func (j *jsonDeserializer) decodeNumber() (json.Number, error) {
	e, err := j.nextElement()
	if err != nil {
		return "", err
	}
	n, ok := e.value.(json.Number)
	if !ok {
		return "", errors.Errorf("Expected number, got %v", e.value)
	}
	return n, nil
}

func (j *jsonDeserializer) decodeInt(bitSize int) (int64, error) {
	n, err := j.decodeNumber()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(n.String(), 10, bitSize)
}

func (j *jsonDeserializer) decodeUint(bitSize int) (uint64, error) {
	n, err := j.decodeNumber()
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(n.String(), 10, bitSize)
}

func (j *jsonDeserializer) decodeFloat(bitSize int) (float64, error) {
	n, err := j.decodeNumber()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(n.String(), bitSize)
}

func (j *jsonDeserializer) DecodeInt8() (int8, error) {
	v, err := j.decodeInt(8)
	return int8(v), err
}

func (j *jsonDeserializer) DecodeUint8() (uint8, error) {
	v, err := j.decodeUint(8)
	return uint8(v), err
}

func (j *jsonDeserializer) DecodeInt16() (int16, error) {
	v, err := j.decodeInt(16)
	return int16(v), err
}

func (j *jsonDeserializer) DecodeUint16() (uint16, error) {
	v, err := j.decodeUint(16)
	return uint16(v), err
}

func (j *jsonDeserializer) DecodeInt32() (int32, error) {
	v, err := j.decodeInt(32)
	return int32(v), err
}

func (j *jsonDeserializer) DecodeUint32() (uint32, error) {
	v, err := j.decodeUint(32)
	return uint32(v), err
}

func (j *jsonDeserializer) DecodeInt64() (int64, error) {
	return j.decodeInt(64)
}

func (j *jsonDeserializer) DecodeUint64() (uint64, error) {
	return j.decodeUint(64)
}

func (j *jsonDeserializer) DecodeFloat32() (float32, error) {
	v, err := j.decodeFloat(32)
	return float32(v), err
}

func (j *jsonDeserializer) DecodeFloat64() (float64, error) {
	return j.decodeFloat(64)
}

func (j *jsonDeserializer) DecodeString() (string, error) {
	e, err := j.nextElement()
	if err != nil {
		return "", err
	}
	if e.elementType != jsonString {
		return "", errors.Errorf("Expected string, got %v", e.value)
	}
	return e.value.(string), nil
}

func (j *jsonDeserializer) DecodeBool() (bool, error) {
	e, err := j.nextElement()
	if err != nil {
		return false, err
	}
	b, ok := e.value.(bool)
	if !ok {
		return false, errors.Errorf("Expected bool, got %v", e.value)
	}
	return b, nil
}
