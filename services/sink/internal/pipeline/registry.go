package pipeline

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnmappedTopic = errors.New("no pipeline for topic")
var ErrNoPipelines = errors.New("at least one pipeline is required")

// CounterSeries declares a cumulative counter column that is aggregated into
// time buckets.
type CounterSeries struct {
	Name        string   `yaml:"name" json:"name" toml:"name" validate:"required,identifier"`
	Table       string   `yaml:"table" json:"table" toml:"table" validate:"required,identifier"`
	TimeColumn  string   `yaml:"time_column" json:"time_column" toml:"time_column" validate:"omitempty,identifier"`
	ValueColumn string   `yaml:"value_column" json:"value_column" toml:"value_column" validate:"required,identifier"`
	KeyColumn   string   `yaml:"key_column" json:"key_column" toml:"key_column" validate:"omitempty,identifier"`
	Grains      []string `yaml:"grains" json:"grains" toml:"grains" validate:"required,min=1,dive,oneof=hour day month year"`
	Scale       float64  `yaml:"scale" json:"scale" toml:"scale" validate:"gte=0"`
}

func (c *CounterSeries) TimeColumnOrDefault() string {
	if c.TimeColumn == "" {
		return DefaultTimestampColumn
	}

	return c.TimeColumn
}

func (c *CounterSeries) ScaleOrDefault() float64 {
	if c.Scale == 0 {
		return 1
	}

	return c.Scale
}

// Registry is built once at startup and never mutated afterwards, so it is safe
// to share between goroutines without locking.
type Registry struct {
	byTopic  map[string]*Definition
	ordered  []*Definition
	counters map[string]*CounterSeries
}

func NewRegistry(defs []Definition, counters []CounterSeries) (*Registry, error) {
	if len(defs) == 0 {
		return nil, ErrNoPipelines
	}

	r := &Registry{
		byTopic:  make(map[string]*Definition, len(defs)),
		counters: make(map[string]*CounterSeries, len(counters)),
	}

	names := make(map[string]struct{}, len(defs))
	for i := range defs {
		def := defs[i]

		if err := validate.Struct(&def); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", def.Name, err)
		}
		if err := def.validateColumns(); err != nil {
			return nil, err
		}
		if _, ok := r.byTopic[def.SourceTopic]; ok {
			return nil, fmt.Errorf("pipeline %s: topic %q is already mapped", def.Name, def.SourceTopic)
		}
		if _, ok := names[def.Name]; ok {
			return nil, fmt.Errorf("duplicate pipeline name %q", def.Name)
		}

		names[def.Name] = struct{}{}
		r.byTopic[def.SourceTopic] = &def
		r.ordered = append(r.ordered, &def)
	}

	for i := range counters {
		series := counters[i]

		if err := validate.Struct(&series); err != nil {
			return nil, fmt.Errorf("counter series %q: %w", series.Name, err)
		}
		if _, ok := r.counters[series.Name]; ok {
			return nil, fmt.Errorf("duplicate counter series %q", series.Name)
		}

		r.counters[series.Name] = &series
	}

	return r, nil
}

func (r *Registry) Lookup(topic string) (*Definition, error) {
	def, ok := r.byTopic[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnmappedTopic, topic)
	}

	return def, nil
}

func (r *Registry) Pipelines() []*Definition {
	return r.ordered
}

func (r *Registry) Topics() []string {
	topics := make([]string, 0, len(r.byTopic))
	for topic := range r.byTopic {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	return topics
}

func (r *Registry) Counter(name string) (*CounterSeries, bool) {
	series, ok := r.counters[name]
	return series, ok
}

func (r *Registry) Counters() []*CounterSeries {
	out := make([]*CounterSeries, 0, len(r.counters))
	for _, series := range r.counters {
		out = append(out, series)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}
