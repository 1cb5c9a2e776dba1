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
Package extensions wires all extension kinds of this module into registries.

Init must run before any decode path which may see extension arrays, usually at program start:

	if err := extensions.Init(); err != nil {
		logrus.Fatal(err)
	}
*/
package extensions

import (
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/mantik-ai/core/go_arrowext/ds/jsonext"
	"github.com/mantik-ai/core/go_arrowext/ds/registry"
	"github.com/mantik-ai/core/go_arrowext/ds/vstensor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Register adds the factories of all extension kinds to r.
func Register(r *registry.Registry) error {
	if err := jsonext.Register(r); err != nil {
		return errors.Wrap(err, "could not register JSON extension")
	}
	if err := vstensor.Register(r); err != nil {
		return errors.Wrap(err, "could not register variable shape tensor extension")
	}
	return nil
}

// Prototypes returns one instance of every extension type, as needed by arrow's name keyed registry.
func Prototypes() ([]arrow.ExtensionType, error) {
	jsonType, err := jsonext.NewJSONType(arrow.BinaryTypes.String)
	if err != nil {
		return nil, err
	}
	tensorType, err := vstensor.NewVariableShapeTensorType(arrow.PrimitiveTypes.Float32, 1, vstensor.Metadata{})
	if err != nil {
		return nil, err
	}
	return []arrow.ExtensionType{jsonType, tensorType}, nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *registry.Registry
	defaultErr      error

	initOnce sync.Once
	initErr  error
)

// Default returns the process wide registry, populated on first call.
func Default() (*registry.Registry, error) {
	defaultOnce.Do(func() {
		r := registry.New()
		if err := Register(r); err != nil {
			defaultErr = err
			return
		}
		defaultRegistry = r
	})
	return defaultRegistry, defaultErr
}

// Init populates the default registry and installs the extension types into arrow's global registry.
// Calling it more than once is fine.
func Init() error {
	initOnce.Do(func() {
		if _, err := Default(); err != nil {
			initErr = err
			return
		}
		prototypes, err := Prototypes()
		if err != nil {
			initErr = err
			return
		}
		for _, p := range prototypes {
			if err := installGlobal(p); err != nil {
				initErr = err
				return
			}
		}
	})
	return initErr
}

func installGlobal(t arrow.ExtensionType) error {
	name := t.ExtensionName()
	if existing := arrow.GetExtensionType(name); existing != nil {
		logrus.Warnf("Replacing global arrow extension type %s (%T)", name, existing)
		if err := arrow.UnregisterExtensionType(name); err != nil {
			return errors.Wrapf(err, "could not unregister %s", name)
		}
	}
	if err := arrow.RegisterExtensionType(t); err != nil {
		return errors.Wrapf(err, "could not register %s", name)
	}
	logrus.Debugf("Installed global arrow extension type %s", name)
	return nil
}
