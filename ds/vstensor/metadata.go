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
	"reflect"

	"github.com/pkg/errors"
)

// Dim is one entry of a uniform shape. Unknown entries leave the extent of
// that axis free to vary between elements.
type Dim struct {
	Value int32
	Known bool
}

// Fixed returns a known uniform extent.
func Fixed(v int32) Dim {
	return Dim{Value: v, Known: true}
}

// Unknown is a uniform shape entry without a fixed extent.
var Unknown = Dim{}

/*
Metadata describes the axes shared by all elements of a variable shape tensor array.

Every field is optional. A nil slice means the field is absent, a non nil empty
slice means it is present (and, for Permutation, invalid). Present fields must
agree on their length, which is the number of axes.
*/
type Metadata struct {
	// Names of the axes, one per axis.
	DimNames []string
	// Physical to logical axis mapping.
	Permutation []int64
	// Extents known for every element.
	UniformShape []Dim
}

// NDim returns the common length of the present fields, or false if none is present.
func (m Metadata) NDim() (int, bool) {
	switch {
	case m.DimNames != nil:
		return len(m.DimNames), true
	case m.Permutation != nil:
		return len(m.Permutation), true
	case m.UniformShape != nil:
		return len(m.UniformShape), true
	}
	return 0, false
}

// IsValid returns true if all invariants hold.
func (m Metadata) IsValid() bool {
	return m.Validate() == nil
}

// Validate returns the first violated invariant, nil if there is none.
func (m Metadata) Validate() error {
	ndim, ok := m.NDim()
	if !ok {
		return nil
	}
	if m.DimNames != nil && len(m.DimNames) != ndim {
		return errors.Errorf("dim_names has %d entries, expected %d", len(m.DimNames), ndim)
	}
	if m.Permutation != nil {
		if len(m.Permutation) != ndim {
			return errors.Errorf("permutation has %d entries, expected %d", len(m.Permutation), ndim)
		}
		if err := validatePermutation(m.Permutation); err != nil {
			return err
		}
	}
	if m.UniformShape != nil {
		if len(m.UniformShape) != ndim {
			return errors.Errorf("uniform_shape has %d entries, expected %d", len(m.UniformShape), ndim)
		}
		for i, d := range m.UniformShape {
			if d.Known && d.Value <= 0 {
				return errors.Errorf("uniform_shape[%d] must be positive, got %d", i, d.Value)
			}
		}
	}
	return nil
}

func validatePermutation(permutation []int64) error {
	if len(permutation) == 0 {
		return errors.New("permutation must not be empty")
	}
	n := int64(len(permutation))
	seen := make([]bool, n)
	for i, p := range permutation {
		if p < 0 || p >= n {
			return errors.Errorf("permutation[%d] = %d is out of range [0, %d)", i, p, n)
		}
		if seen[p] {
			return errors.Errorf("permutation contains %d twice", p)
		}
		seen[p] = true
	}
	return nil
}

// Equal compares field by field, absent and empty fields are different.
// Unknown dims are equal regardless of their Value.
func (m Metadata) Equal(other Metadata) bool {
	return reflect.DeepEqual(m.DimNames, other.DimNames) &&
		reflect.DeepEqual(m.Permutation, other.Permutation) &&
		dimsEqual(m.UniformShape, other.UniformShape)
}

func dimsEqual(a, b []Dim) bool {
	if (a == nil) != (b == nil) || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Known != b[i].Known || (a[i].Known && a[i].Value != b[i].Value) {
			return false
		}
	}
	return true
}

func (m Metadata) String() string {
	return m.ToJSON()
}
