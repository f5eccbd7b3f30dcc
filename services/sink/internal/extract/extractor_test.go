package extract

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func heatpumpPipeline() *pipeline.Definition {
	return &pipeline.Definition{
		Name:        "heatpump",
		SourceTopic: "heatpump.telemetry",
		Table:       "heatpump_telemetry",
		Timestamp:   pipeline.TimestampRule{Path: "$.ts", Format: pipeline.FormatEpochMillis},
		Fields: []pipeline.Field{
			{Path: "$.tags.device_id", Column: "device_id", Type: pipeline.TypeString},
			{Path: "$.fields.outdoor", Column: "outdoor_temp", Type: pipeline.TypeFloat},
			{Path: "$.fields.integral", Column: "integral", Type: pipeline.TypeInt},
			{Path: "$.fields.compressor", Column: "compressor_on", Type: pipeline.TypeBool},
			{Path: "$.fields.firmware", Column: "firmware", Type: pipeline.TypeString},
		},
		BitFlags: []pipeline.BitFlags{{
			Path: "$.fields.d16",
			Flags: []pipeline.Flag{
				{Bit: 0, Column: "circulation_pump"},
				{Bit: 3, Column: "hotwater_production"},
			},
		}},
	}
}

func TestExtract_AllFields(t *testing.T) {
	def := heatpumpPipeline()
	raw := []byte(`{
		"ts": 1704067200000,
		"tags": {"device_id": "hp-01"},
		"fields": {"outdoor": -3.5, "integral": "-120", "compressor": 1, "firmware": 7.2, "d16": 9}
	}`)

	row, err := Extract(def, raw)
	require.NoError(t, err)

	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), row.Timestamp)
	require.Equal(t, row.Timestamp, row.Columns["ts"])
	require.Equal(t, "hp-01", row.Columns["device_id"])
	require.Equal(t, -3.5, row.Columns["outdoor_temp"])
	require.Equal(t, int64(-120), row.Columns["integral"])
	require.Equal(t, true, row.Columns["compressor_on"])
	require.Equal(t, "7.2", row.Columns["firmware"])
	require.Equal(t, true, row.Columns["circulation_pump"])
	require.Equal(t, true, row.Columns["hotwater_production"])
	require.Empty(t, row.FieldErrors)
	require.Nil(t, row.UpsertKeyValue)
}

func TestExtract_BadFieldsAreNulledNotDropped(t *testing.T) {
	def := heatpumpPipeline()
	raw := []byte(`{"ts": 1704067200000, "fields": {"outdoor": "warm", "integral": 1.5, "compressor": "maybe"}}`)

	row, err := Extract(def, raw)
	require.NoError(t, err)

	for _, column := range def.Columns() {
		_, ok := row.Columns[column]
		assert.True(t, ok, "column %s must be present", column)
	}

	require.Nil(t, row.Columns["device_id"])
	require.Nil(t, row.Columns["outdoor_temp"])
	require.Nil(t, row.Columns["integral"])
	require.Nil(t, row.Columns["compressor_on"])
	require.Nil(t, row.Columns["circulation_pump"])
	require.Len(t, row.FieldErrors, 7)
}

func TestExtract_MissingTimestamp(t *testing.T) {
	def := heatpumpPipeline()

	for name, raw := range map[string]string{
		"absent":      `{"fields": {"outdoor": 1}}`,
		"null":        `{"ts": null}`,
		"unparsable":  `{"ts": "yesterday"}`,
		"wrong shape": `{"ts": {"ms": 1}}`,
	} {
		t.Run(name, func(t *testing.T) {
			row, err := Extract(def, []byte(raw))
			require.ErrorIs(t, err, ErrMissingTimestamp)
			require.Nil(t, row)
			require.Equal(t, "missing_timestamp", Reason(err))
		})
	}
}

func TestExtract_EpochOutOfRange(t *testing.T) {
	def := heatpumpPipeline()
	def.Timestamp = pipeline.TimestampRule{Path: "$.ts", Format: pipeline.FormatEpochSeconds}

	for name, raw := range map[string]string{
		"millis sent as seconds": `{"ts": 1700000000000}`,
		"huge":                   `{"ts": 1e300}`,
		"huge negative":          `{"ts": -1e300}`,
	} {
		t.Run(name, func(t *testing.T) {
			row, err := Extract(def, []byte(raw))
			require.ErrorIs(t, err, ErrMissingTimestamp)
			require.Nil(t, row)
		})
	}

	def.Timestamp.Format = ""
	_, err := Extract(def, []byte(`{"ts": 1e300}`))
	require.ErrorIs(t, err, ErrMissingTimestamp)
}

func TestExtract_RFC3339Timestamp(t *testing.T) {
	def := heatpumpPipeline()
	def.Timestamp = pipeline.TimestampRule{Path: "$.time", Format: pipeline.FormatRFC3339, Column: "latest_update"}

	row, err := Extract(def, []byte(`{"time": "2024-03-10T12:30:00+01:00"}`))
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 10, 11, 30, 0, 0, time.UTC), row.Timestamp)
	require.Contains(t, row.Columns, "latest_update")

	_, err = Extract(def, []byte(`{"time": 1710070200}`))
	require.ErrorIs(t, err, ErrMissingTimestamp)
}

func TestExtract_MalformedMessage(t *testing.T) {
	_, err := Extract(heatpumpPipeline(), []byte(`{"ts": `))
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestExtract_UpsertKey(t *testing.T) {
	def := heatpumpPipeline()
	def.UpsertKey = "device_id"

	row, err := Extract(def, []byte(`{"ts": 1704067200000, "tags": {"device_id": "hp-01"}}`))
	require.NoError(t, err)
	require.NotNil(t, row.UpsertKeyValue)
	require.Equal(t, "hp-01", *row.UpsertKeyValue)

	_, err = Extract(def, []byte(`{"ts": 1704067200000, "tags": {}}`))
	require.ErrorIs(t, err, ErrMissingUpsertKey)

	_, err = Extract(def, []byte(`{"ts": 1704067200000, "tags": {"device_id": null}}`))
	require.ErrorIs(t, err, ErrMissingUpsertKey)
}

func TestExtract_IntUpsertKeyStringified(t *testing.T) {
	def := &pipeline.Definition{
		Name:      "plug",
		Table:     "plugs",
		Timestamp: pipeline.TimestampRule{Path: "ts", Format: pipeline.FormatEpochSeconds},
		Fields:    []pipeline.Field{{Path: "id", Column: "plug_id", Type: pipeline.TypeInt}},
		UpsertKey: "plug_id",
	}

	row, err := Extract(def, []byte(`{"ts": 1704067200, "id": 42}`))
	require.NoError(t, err)
	require.Equal(t, "42", *row.UpsertKeyValue)
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name  string
		value any
		typ   pipeline.FieldType
		want  any
		fails bool
	}{
		{"bool from bool", true, pipeline.TypeBool, true, false},
		{"bool from zero", json.Number("0"), pipeline.TypeBool, false, false},
		{"bool from ON", "ON", pipeline.TypeBool, true, false},
		{"bool from junk", "maybe", pipeline.TypeBool, nil, true},
		{"int from integral float", json.Number("12.0"), pipeline.TypeInt, int64(12), false},
		{"int from fraction", json.Number("12.5"), pipeline.TypeInt, nil, true},
		{"int from bool", true, pipeline.TypeInt, nil, true},
		{"float from string", " 21.5 ", pipeline.TypeFloat, 21.5, false},
		{"float from object", map[string]any{}, pipeline.TypeFloat, nil, true},
		{"string from bool", false, pipeline.TypeString, "false", false},
		{"string from object", map[string]any{"k": "v"}, pipeline.TypeString, `{"k":"v"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.value, tt.typ, "")
			if tt.fails {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := ParseTime(json.Number("1704067200"), pipeline.FormatEpochSeconds)
	require.NoError(t, err)
	require.Equal(t, want, got)

	got, err = ParseTime("1704067200000", pipeline.FormatEpochMillis)
	require.NoError(t, err)
	require.Equal(t, want, got)

	got, err = ParseTime(json.Number("1704067200.5"), pipeline.FormatEpochSeconds)
	require.NoError(t, err)
	require.Equal(t, want.Add(500*time.Millisecond), got)

	got, err = ParseTime(json.Number("1704067200000"), "")
	require.NoError(t, err)
	require.Equal(t, want, got)

	got, err = ParseTime(json.Number("1704067200"), "")
	require.NoError(t, err)
	require.Equal(t, want, got)

	got, err = ParseTime("2024-01-01T00:00:00Z", "")
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = ParseTime(true, pipeline.FormatEpochMillis)
	require.Error(t, err)
}
