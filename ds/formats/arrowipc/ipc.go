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
Package arrowipc reads and writes arrow IPC streams of records which may contain extension columns.

Reading installs the extensions of this module first and routes every column through the
default registry, so extension columns come back as typed views with their field name and annotations.
*/
package arrowipc

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/mantik-ai/core/go_arrowext/ds/extensions"
	"github.com/mantik-ai/core/go_arrowext/ds/registry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Compression of record batch bodies, readers detect it on their own.
type Compression int

const (
	NoCompression Compression = iota
	LZ4Compression
	ZstdCompression
)

type options struct {
	mem         memory.Allocator
	compression Compression
}

type Option func(*options)

func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) {
		o.mem = mem
	}
}

// WithCompression compresses written record batches.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

func makeOptions(opts []Option) options {
	o := options{mem: memory.DefaultAllocator}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WriteRecords writes all records as one IPC stream.
func WriteRecords(w io.Writer, schema *arrow.Schema, records []arrow.Record, opts ...Option) error {
	o := makeOptions(opts)
	writerOpts := []ipc.Option{ipc.WithSchema(schema), ipc.WithAllocator(o.mem)}
	switch o.compression {
	case NoCompression:
	case LZ4Compression:
		writerOpts = append(writerOpts, ipc.WithLZ4())
	case ZstdCompression:
		writerOpts = append(writerOpts, ipc.WithZstd())
	default:
		return errors.Errorf("Unsupported compression %d", o.compression)
	}
	writer := ipc.NewWriter(w, writerOpts...)
	for i, rec := range records {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return errors.Wrapf(err, "Could not write record %d", i)
		}
	}
	return writer.Close()
}

// ReadRecords reads all records of an IPC stream. The caller must release them.
func ReadRecords(r io.Reader, opts ...Option) ([]arrow.Record, error) {
	o := makeOptions(opts)
	if err := extensions.Init(); err != nil {
		return nil, err
	}
	reg, err := extensions.Default()
	if err != nil {
		return nil, err
	}
	reader, err := ipc.NewReader(r, ipc.WithAllocator(o.mem))
	if err != nil {
		return nil, errors.Wrap(err, "Could not open IPC stream")
	}
	defer reader.Release()

	var result []arrow.Record
	release := func() {
		for _, rec := range result {
			rec.Release()
		}
	}
	for reader.Next() {
		decoded, err := DecodeRecord(reg, reader.Record())
		if err != nil {
			release()
			return nil, err
		}
		result = append(result, decoded)
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		release()
		return nil, errors.Wrap(err, "Could not read IPC stream")
	}
	logrus.Debugf("Read %d records", len(result))
	return result, nil
}

// DecodeRecord replaces the columns of rec by their typed views, fields lose their extension tag.
func DecodeRecord(reg *registry.Registry, rec arrow.Record) (arrow.Record, error) {
	schema := rec.Schema()
	columns := make([]arrow.Array, 0, rec.NumCols())
	defer func() {
		for _, c := range columns {
			c.Release()
		}
	}()
	fields := make([]arrow.Field, rec.NumCols())
	for i, col := range rec.Columns() {
		field := schema.Field(i)
		decoded, err := reg.Decode(field, col)
		if err != nil {
			return nil, errors.Wrapf(err, "Could not decode column %s", field.Name)
		}
		columns = append(columns, decoded)
		fields[i] = arrow.Field{
			Name:     field.Name,
			Type:     decoded.DataType(),
			Nullable: field.Nullable,
			Metadata: registry.WithoutExtensionTag(field.Metadata),
		}
	}
	md := schema.Metadata()
	decodedSchema := arrow.NewSchema(fields, &md)
	return array.NewRecord(decodedSchema, columns, rec.NumRows()), nil
}
