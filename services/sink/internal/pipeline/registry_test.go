package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlDefinitions = `
pipelines:
  - name: heatpump_status
    source_topic: heatpump.status
    destination_table: heatpump_settings
    upsert_key: device_id
    timestamp:
      path: $.ts
      format: epoch_millis
    fields:
      - path: $.tags.device_id
        column: device_id
        type: string
      - path: $.d51
        column: mode
        type: int
  - name: energy
    source_topic: ${ENERGY_TOPIC}
    destination_table: energy
    store_interval: minute
    timestamp:
      path: $.time
      format: rfc3339
    fields:
      - path: $.meter
        column: meter_id
        type: string
      - path: $.total_wh
        column: consumption_total_wh
        type: int
    bit_flags:
      - path: $.status
        flags:
          - bit: 0
            column: relay_on
counters:
  - name: energy
    table: energy
    value_column: consumption_total_wh
    key_column: meter_id
    grains: [hour, day]
    scale: 0.001
`

func TestParse_YAML(t *testing.T) {
	t.Setenv("ENERGY_TOPIC", "energy.readings")

	file, err := Parse([]byte(yamlDefinitions), ".yaml")
	require.NoError(t, err)

	registry, err := NewRegistry(file.Pipelines, file.Counters)
	require.NoError(t, err)

	def, err := registry.Lookup("energy.readings")
	require.NoError(t, err)
	require.Equal(t, "energy", def.Table)
	require.Equal(t, IntervalMinute, def.StoreInterval)
	require.Equal(t, []string{"ts", "meter_id", "consumption_total_wh", "relay_on"}, def.Columns())
	require.False(t, def.IsUpsert())

	status, err := registry.Lookup("heatpump.status")
	require.NoError(t, err)
	require.True(t, status.IsUpsert())
	field, ok := status.UpsertField()
	require.True(t, ok)
	require.Equal(t, "$.tags.device_id", field.Path)

	require.Equal(t, []string{"energy.readings", "heatpump.status"}, registry.Topics())

	series, ok := registry.Counter("energy")
	require.True(t, ok)
	require.Equal(t, "ts", series.TimeColumnOrDefault())
	require.InDelta(t, 0.001, series.ScaleOrDefault(), 1e-12)
}

func TestLookup_Unmapped(t *testing.T) {
	registry, err := NewRegistry([]Definition{validDefinition("a", "topic.a")}, nil)
	require.NoError(t, err)

	_, err = registry.Lookup("topic.unknown")
	require.ErrorIs(t, err, ErrUnmappedTopic)
}

func TestParse_JSONC(t *testing.T) {
	raw := `{
		// comments are allowed
		"pipelines": [{
			"name": "telemetry",
			"source_topic": "heatpump.telemetry",
			"destination_table": "heatpump_telemetry",
			"timestamp": {"path": "$.ts", "format": "epoch_seconds"},
			"fields": [{"path": "$.outdoor", "column": "outdoor_temp", "type": "float"},],
		}]
	}`

	file, err := Parse([]byte(raw), ".jsonc")
	require.NoError(t, err)
	require.Len(t, file.Pipelines, 1)
	require.Equal(t, FormatEpochSeconds, file.Pipelines[0].Timestamp.Format)
}

func TestParse_TOML(t *testing.T) {
	raw := `
[[pipelines]]
name = "telemetry"
source_topic = "heatpump.telemetry"
destination_table = "heatpump_telemetry"

[pipelines.timestamp]
path = "$.ts"
format = "rfc3339"

[[pipelines.fields]]
path = "$.outdoor"
column = "outdoor_temp"
type = "float"
`

	file, err := Parse([]byte(raw), ".toml")
	require.NoError(t, err)
	require.Len(t, file.Pipelines, 1)
	require.Equal(t, "outdoor_temp", file.Pipelines[0].Fields[0].Column)
}

func TestParse_UnknownKeyRejected(t *testing.T) {
	_, err := Parse([]byte("pipelines:\n  - name: a\n    sauce_topic: x\n"), ".yaml")
	require.Error(t, err)

	_, err = Parse([]byte("{}"), ".ini")
	require.Error(t, err)
}

func TestNewRegistry_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Definition)
	}{
		{"bad format", func(d *Definition) { d.Timestamp.Format = "unix" }},
		{"bad type", func(d *Definition) { d.Fields[0].Type = "decimal" }},
		{"bad table", func(d *Definition) { d.Table = "energy; DROP TABLE outbox" }},
		{"bad column", func(d *Definition) { d.Fields[0].Column = "meter id" }},
		{"unknown upsert key", func(d *Definition) { d.UpsertKey = "device_id" }},
		{"duplicate column", func(d *Definition) { d.Fields = append(d.Fields, d.Fields[0]) }},
		{"timestamp column clash", func(d *Definition) { d.Fields[0].Column = "ts" }},
		{"missing topic", func(d *Definition) { d.SourceTopic = "" }},
		{"bad store interval", func(d *Definition) { d.StoreInterval = "week" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition("a", "topic.a")
			tt.mutate(&def)

			_, err := NewRegistry([]Definition{def}, nil)
			assert.Error(t, err)
		})
	}
}

func TestNewRegistry_DuplicateTopic(t *testing.T) {
	_, err := NewRegistry([]Definition{
		validDefinition("a", "topic.a"),
		validDefinition("b", "topic.a"),
	}, nil)
	require.Error(t, err)

	_, err = NewRegistry(nil, nil)
	require.ErrorIs(t, err, ErrNoPipelines)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("ENERGY_TOPIC", "energy.readings")

	path := filepath.Join(t.TempDir(), "pipelines.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDefinitions), 0o600))

	registry, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, registry.Pipelines(), 2)
	require.Len(t, registry.Counters(), 1)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("BROKER", "kafka:9092")

	out, err := ExpandEnv("a=${BROKER} b=$(BROKER) c=$$HOME d=$x")
	require.NoError(t, err)
	require.Equal(t, "a=kafka:9092 b=kafka:9092 c=$HOME d=$x", out)

	_, err = ExpandEnv("${SURELY_NOT_SET_ANYWHERE}")
	require.Error(t, err)

	_, err = ExpandEnv("${BROKER")
	require.Error(t, err)
}

func validDefinition(name, topic string) Definition {
	return Definition{
		Name:        name,
		SourceTopic: topic,
		Table:       "energy",
		Timestamp:   TimestampRule{Path: "$.ts", Format: FormatRFC3339},
		Fields: []Field{
			{Path: "$.meter", Column: "meter_id", Type: TypeString},
		},
	}
}
