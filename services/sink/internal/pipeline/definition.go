// Package pipeline holds the static mapping from source topics to destination
// tables and the rules used to turn a message into a row.
package pipeline

import (
	"fmt"
	"regexp"
	"time"
)

type FieldType string

const (
	TypeBool      FieldType = "bool"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeString    FieldType = "string"
	TypeTimestamp FieldType = "timestamp"
)

type TimeFormat string

const (
	FormatEpochSeconds TimeFormat = "epoch_seconds"
	FormatEpochMillis  TimeFormat = "epoch_millis"
	FormatRFC3339      TimeFormat = "rfc3339"
)

const DefaultTimestampColumn = "ts"

type StoreInterval string

const (
	IntervalNone   StoreInterval = ""
	IntervalSecond StoreInterval = "second"
	IntervalMinute StoreInterval = "minute"
	IntervalHour   StoreInterval = "hour"
	IntervalDay    StoreInterval = "day"
)

func (i StoreInterval) Duration() time.Duration {
	switch i {
	case IntervalSecond:
		return time.Second
	case IntervalMinute:
		return time.Minute
	case IntervalHour:
		return time.Hour
	case IntervalDay:
		return 24 * time.Hour
	}

	return 0
}

type TimestampRule struct {
	Path   string     `yaml:"path" json:"path" toml:"path" validate:"required"`
	Format TimeFormat `yaml:"format" json:"format" toml:"format" validate:"required,oneof=epoch_seconds epoch_millis rfc3339"`
	Column string     `yaml:"column" json:"column" toml:"column" validate:"omitempty,identifier"`
}

type Field struct {
	Path   string     `yaml:"path" json:"path" toml:"path" validate:"required"`
	Column string     `yaml:"column" json:"column" toml:"column" validate:"required,identifier"`
	Type   FieldType  `yaml:"type" json:"type" toml:"type" validate:"required,oneof=bool int float string timestamp"`
	Format TimeFormat `yaml:"format" json:"format" toml:"format" validate:"omitempty,oneof=epoch_seconds epoch_millis rfc3339"`
}

type Flag struct {
	Bit    uint   `yaml:"bit" json:"bit" toml:"bit" validate:"lte=63"`
	Column string `yaml:"column" json:"column" toml:"column" validate:"required,identifier"`
}

// BitFlags expands one integer source value into a bool column per named bit.
type BitFlags struct {
	Path  string `yaml:"path" json:"path" toml:"path" validate:"required"`
	Flags []Flag `yaml:"flags" json:"flags" toml:"flags" validate:"required,min=1,dive"`
}

type Definition struct {
	Name          string        `yaml:"name" json:"name" toml:"name" validate:"required"`
	SourceTopic   string        `yaml:"source_topic" json:"source_topic" toml:"source_topic" validate:"required"`
	Table         string        `yaml:"destination_table" json:"destination_table" toml:"destination_table" validate:"required,identifier"`
	Timestamp     TimestampRule `yaml:"timestamp" json:"timestamp" toml:"timestamp"`
	Fields        []Field       `yaml:"fields" json:"fields" toml:"fields" validate:"dive"`
	BitFlags      []BitFlags    `yaml:"bit_flags" json:"bit_flags" toml:"bit_flags" validate:"dive"`
	UpsertKey     string        `yaml:"upsert_key" json:"upsert_key" toml:"upsert_key" validate:"omitempty,identifier"`
	StoreInterval StoreInterval `yaml:"store_interval" json:"store_interval" toml:"store_interval" validate:"omitempty,oneof=second minute hour day"`
}

// Columns returns the destination columns in write order: the timestamp column,
// then declared fields, then bit flag columns.
func (d *Definition) Columns() []string {
	columns := []string{d.TimestampColumn()}
	for _, f := range d.Fields {
		columns = append(columns, f.Column)
	}
	for _, bf := range d.BitFlags {
		for _, flag := range bf.Flags {
			columns = append(columns, flag.Column)
		}
	}

	return columns
}

func (d *Definition) TimestampColumn() string {
	if d.Timestamp.Column == "" {
		return DefaultTimestampColumn
	}

	return d.Timestamp.Column
}

func (d *Definition) IsUpsert() bool {
	return d.UpsertKey != ""
}

func (d *Definition) UpsertField() (Field, bool) {
	for _, f := range d.Fields {
		if f.Column == d.UpsertKey {
			return f, true
		}
	}

	return Field{}, false
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

func (d *Definition) validateColumns() error {
	seen := make(map[string]struct{})
	for _, column := range d.Columns() {
		if _, ok := seen[column]; ok {
			return fmt.Errorf("pipeline %s: duplicate column %q", d.Name, column)
		}
		seen[column] = struct{}{}
	}

	if d.UpsertKey != "" {
		if _, ok := d.UpsertField(); !ok {
			return fmt.Errorf("pipeline %s: upsert_key %q is not a declared field column", d.Name, d.UpsertKey)
		}
	}

	return nil
}
