// Package extract turns a raw message into a typed row following a pipeline
// definition.
package extract

import (
	"fmt"
	"time"

	"github.com/sakashimaa/go-telemetry-sink/pkg/jsonpath"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/pipeline"
)

type Row struct {
	Timestamp      time.Time
	UpsertKeyValue *string
	Columns        map[string]any
	FieldErrors    []FieldError
}

// Values returns column values in the given order; missing columns are nil.
func (r *Row) Values(columns []string) []any {
	values := make([]any, len(columns))
	for i, column := range columns {
		values[i] = r.Columns[column]
	}

	return values
}

// Extract maps raw into a row. A missing or unparsable timestamp, an unresolvable
// upsert key or a body that is not JSON fail the whole row. Any other field that
// cannot be resolved or coerced is stored as nil and reported in FieldErrors.
func Extract(def *pipeline.Definition, raw []byte) (*Row, error) {
	root, err := jsonpath.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	tsValue, ok := jsonpath.Resolve(root, def.Timestamp.Path)
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", ErrMissingTimestamp, def.Timestamp.Path)
	}

	ts, err := ParseTime(tsValue, def.Timestamp.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not %s", ErrMissingTimestamp, def.Timestamp.Path, def.Timestamp.Format)
	}

	row := &Row{
		Timestamp: ts,
		Columns:   make(map[string]any, len(def.Fields)+1),
	}
	row.Columns[def.TimestampColumn()] = ts

	for _, field := range def.Fields {
		value, err := extractField(root, field)
		if err != nil {
			row.Columns[field.Column] = nil
			row.FieldErrors = append(row.FieldErrors, FieldError{Column: field.Column, Path: field.Path, Err: err})
			continue
		}

		row.Columns[field.Column] = value
	}

	for _, bf := range def.BitFlags {
		extractBitFlags(root, bf, row)
	}

	if def.IsUpsert() {
		key, ok := row.Columns[def.UpsertKey]
		if !ok || key == nil {
			return nil, fmt.Errorf("%w: column %s", ErrMissingUpsertKey, def.UpsertKey)
		}

		keyValue := fmt.Sprint(key)
		if t, isTime := key.(time.Time); isTime {
			keyValue = t.Format(time.RFC3339Nano)
		}
		row.UpsertKeyValue = &keyValue
	}

	return row, nil
}

func extractField(root any, field pipeline.Field) (any, error) {
	value, ok := jsonpath.Resolve(root, field.Path)
	if !ok {
		return nil, errNotFound
	}

	return Coerce(value, field.Type, field.Format)
}

func extractBitFlags(root any, bf pipeline.BitFlags, row *Row) {
	raw, ok := jsonpath.Resolve(root, bf.Path)

	var bits int64
	var err error
	if !ok {
		err = errNotFound
	} else {
		bits, err = toInt(raw)
	}

	for _, flag := range bf.Flags {
		if err != nil {
			row.Columns[flag.Column] = nil
			row.FieldErrors = append(row.FieldErrors, FieldError{Column: flag.Column, Path: bf.Path, Err: err})
			continue
		}

		row.Columns[flag.Column] = (bits>>flag.Bit)&1 == 1
	}
}
