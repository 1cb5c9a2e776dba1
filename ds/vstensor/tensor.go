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
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Tensor is one element of a VariableShapeTensorArray, the zero value is a null element.
type Tensor struct {
	valid bool
	// Note: the values of the whole data child, the element is [start, end)
	values arrow.Array
	start  int64
	end    int64
	shape  []int32
}

func (t Tensor) IsNull() bool {
	return !t.valid
}

// Shape returns the extents of the element, nil for null elements. It must not be modified.
func (t Tensor) Shape() []int32 {
	return t.shape
}

// Offsets returns the range of the element inside of the data child's values.
func (t Tensor) Offsets() (int64, int64) {
	return t.start, t.end
}

// Len returns the number of flattened values.
func (t Tensor) Len() int {
	return int(t.end - t.start)
}

// NumElements returns the product of the shape. It is not checked against Len.
func (t Tensor) NumElements() int64 {
	if !t.valid {
		return 0
	}
	n := int64(1)
	for _, d := range t.shape {
		n *= int64(d)
	}
	return n
}

// Data returns the flattened values, nil for null elements. The caller must release the result.
func (t Tensor) Data() arrow.Array {
	if !t.valid {
		return nil
	}
	return array.NewSlice(t.values, t.start, t.end)
}

func (t Tensor) String() string {
	if !t.valid {
		return array.NullValueStr
	}
	var sb strings.Builder
	sb.WriteString("{data: [")
	for i := t.start; i < t.end; i++ {
		if i > t.start {
			sb.WriteByte(' ')
		}
		sb.WriteString(t.values.ValueStr(int(i)))
	}
	sb.WriteString(fmt.Sprintf("], shape: %v}", t.shape))
	return sb.String()
}
