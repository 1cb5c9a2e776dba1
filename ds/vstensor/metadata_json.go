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
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/buger/jsonparser"
	"github.com/pkg/errors"
)

const (
	dimNamesKey     = "dim_names"
	permutationKey  = "permutation"
	uniformShapeKey = "uniform_shape"
)

// ErrParse is returned (wrapped) for metadata text which is not well formed.
var ErrParse = errors.New("malformed tensor metadata")

/*
ToJSON encodes the metadata compactly.
Keys are written in the order dim_names, permutation, uniform_shape; absent fields are omitted.
*/
func (m Metadata) ToJSON() string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	startKey := func(key string) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.WriteByte('"')
		buf.WriteString(key)
		buf.WriteString(`":[`)
	}
	if m.DimNames != nil {
		startKey(dimNamesKey)
		for i, name := range m.DimNames {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeQuoted(&buf, name)
		}
		buf.WriteByte(']')
	}
	if m.Permutation != nil {
		startKey(permutationKey)
		for i, p := range m.Permutation {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.FormatInt(p, 10))
		}
		buf.WriteByte(']')
	}
	if m.UniformShape != nil {
		startKey(uniformShapeKey)
		for i, d := range m.UniformShape {
			if i > 0 {
				buf.WriteByte(',')
			}
			if d.Known {
				buf.WriteString(strconv.FormatInt(int64(d.Value), 10))
			} else {
				buf.WriteString("null")
			}
		}
		buf.WriteByte(']')
	}
	buf.WriteByte('}')
	return buf.String()
}

func writeQuoted(buf *bytes.Buffer, s string) {
	var quoted bytes.Buffer
	encoder := json.NewEncoder(&quoted)
	encoder.SetEscapeHTML(false)
	// Encoding a string can not fail
	_ = encoder.Encode(s)
	buf.Write(bytes.TrimRight(quoted.Bytes(), "\n"))
}

/*
ParseMetadata decodes metadata text.
Unknown keys are ignored, a null value is treated like an absent key.
No semantic validation is done, call IsValid for that.
*/
func ParseMetadata(text string) (Metadata, error) {
	data := bytes.TrimSpace([]byte(text))
	if !json.Valid(data) {
		return Metadata{}, errors.Wrapf(ErrParse, "invalid JSON %q", text)
	}
	if data[0] != '{' {
		return Metadata{}, errors.Wrap(ErrParse, "expected a JSON object")
	}
	var m Metadata
	err := jsonparser.ObjectEach(data, func(key []byte, value []byte, dataType jsonparser.ValueType, offset int) error {
		if dataType == jsonparser.Null {
			return nil
		}
		var err error
		switch string(key) {
		case dimNamesKey:
			m.DimNames, err = parseDimNames(value, dataType)
		case permutationKey:
			m.Permutation, err = parsePermutation(value, dataType)
		case uniformShapeKey:
			m.UniformShape, err = parseUniformShape(value, dataType)
		}
		if err != nil {
			return errors.Wrap(err, string(key))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrParse) {
			return Metadata{}, err
		}
		return Metadata{}, errors.Wrapf(ErrParse, "%s", err.Error())
	}
	return m, nil
}

func parseDimNames(value []byte, dataType jsonparser.ValueType) ([]string, error) {
	result := []string{}
	err := eachArrayValue(value, dataType, func(v []byte, t jsonparser.ValueType) error {
		if t != jsonparser.String {
			return errors.Errorf("expected string, got %s", t)
		}
		s, err := jsonparser.ParseString(v)
		if err != nil {
			return err
		}
		result = append(result, s)
		return nil
	})
	return result, err
}

func parsePermutation(value []byte, dataType jsonparser.ValueType) ([]int64, error) {
	result := []int64{}
	err := eachArrayValue(value, dataType, func(v []byte, t jsonparser.ValueType) error {
		if t != jsonparser.Number {
			return errors.Errorf("expected integer, got %s", t)
		}
		i, err := jsonparser.ParseInt(v)
		if err != nil {
			return errors.Errorf("expected integer, got %s", string(v))
		}
		result = append(result, i)
		return nil
	})
	return result, err
}

func parseUniformShape(value []byte, dataType jsonparser.ValueType) ([]Dim, error) {
	result := []Dim{}
	err := eachArrayValue(value, dataType, func(v []byte, t jsonparser.ValueType) error {
		switch t {
		case jsonparser.Null:
			result = append(result, Unknown)
			return nil
		case jsonparser.Number:
			i, err := jsonparser.ParseInt(v)
			if err != nil || int64(int32(i)) != i {
				return errors.Errorf("expected 32 bit integer, got %s", string(v))
			}
			result = append(result, Fixed(int32(i)))
			return nil
		default:
			return errors.Errorf("expected integer or null, got %s", t)
		}
	})
	return result, err
}

func eachArrayValue(value []byte, dataType jsonparser.ValueType, f func([]byte, jsonparser.ValueType) error) error {
	if dataType != jsonparser.Array {
		return errors.Errorf("expected array, got %s", dataType)
	}
	var elementErr error
	_, err := jsonparser.ArrayEach(value, func(v []byte, t jsonparser.ValueType, offset int, e error) {
		if elementErr != nil {
			return
		}
		if e != nil {
			elementErr = e
			return
		}
		elementErr = f(v, t)
	})
	if elementErr != nil {
		return elementErr
	}
	return err
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	return []byte(m.ToJSON()), nil
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	parsed, err := ParseMetadata(string(data))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
