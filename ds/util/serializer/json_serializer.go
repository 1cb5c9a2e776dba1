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
	"io"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// jsonSerializer writes compact JSON, top level values are separated by new lines.
type jsonSerializer struct {
	destination io.Writer
	// pending element counts of the open arrays
	stack []int
}

func (j *jsonSerializer) write(data string) error {
	_, err := io.WriteString(j.destination, data)
	return err
}

// push writes a complete value and closes all arrays which became full.
func (j *jsonSerializer) push(value string) error {
	if err := j.write(value); err != nil {
		return err
	}
	for len(j.stack) > 0 {
		top := len(j.stack) - 1
		j.stack[top]--
		if j.stack[top] > 0 {
			return j.write(",")
		}
		j.stack = j.stack[:top]
		if err := j.write("]"); err != nil {
			return err
		}
	}
	return j.write("\n")
}

func (j *jsonSerializer) EncodeArrayLen(l int) error {
	if l < 0 {
		return errors.Errorf("Negative array length %d", l)
	}
	if l == 0 {
		return j.push("[]")
	}
	j.stack = append(j.stack, l)
	return j.write("[")
}

func (j *jsonSerializer) EncodeNil() error {
	return j.push("null")
}

func (j *jsonSerializer) EncodeInt8(v int8) error {
	return j.push(strconv.FormatInt(int64(v), 10))
}

func (j *jsonSerializer) EncodeUint8(v uint8) error {
	return j.push(strconv.FormatUint(uint64(v), 10))
}

func (j *jsonSerializer) EncodeInt16(v int16) error {
	return j.push(strconv.FormatInt(int64(v), 10))
}

func (j *jsonSerializer) EncodeUint16(v uint16) error {
	return j.push(strconv.FormatUint(uint64(v), 10))
}

func (j *jsonSerializer) EncodeInt32(v int32) error {
	return j.push(strconv.FormatInt(int64(v), 10))
}

func (j *jsonSerializer) EncodeUint32(v uint32) error {
	return j.push(strconv.FormatUint(uint64(v), 10))
}

func (j *jsonSerializer) EncodeInt64(v int64) error {
	return j.push(strconv.FormatInt(v, 10))
}

func (j *jsonSerializer) EncodeUint64(v uint64) error {
	return j.push(strconv.FormatUint(v, 10))
}

func (j *jsonSerializer) EncodeString(s string) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return j.push(string(encoded))
}

func (j *jsonSerializer) EncodeFloat32(f float32) error {
	return j.encodeFloat(float64(f), 32)
}

func (j *jsonSerializer) EncodeFloat64(f float64) error {
	return j.encodeFloat(f, 64)
}

func (j *jsonSerializer) encodeFloat(f float64, bitSize int) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return errors.Errorf("JSON can not represent %v", f)
	}
	return j.push(strconv.FormatFloat(f, 'g', -1, bitSize))
}

func (j *jsonSerializer) EncodeBool(b bool) error {
	return j.push(strconv.FormatBool(b))
}

func (j *jsonSerializer) Flush() error {
	if len(j.stack) > 0 {
		return errors.Errorf("%d arrays not finished", len(j.stack))
	}
	return nil
}
