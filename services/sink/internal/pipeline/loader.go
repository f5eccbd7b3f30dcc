package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of the definitions file.
type File struct {
	Pipelines []Definition    `yaml:"pipelines" json:"pipelines" toml:"pipelines"`
	Counters  []CounterSeries `yaml:"counters" json:"counters" toml:"counters"`
}

// LoadFile reads pipeline and counter definitions. The format follows the file
// extension: .yaml/.yml, .json/.jsonc or .toml.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipelines file: %w", err)
	}

	file, err := Parse(raw, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return NewRegistry(file.Pipelines, file.Counters)
}

func Parse(raw []byte, ext string) (*File, error) {
	expanded, err := ExpandEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var file File
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(strings.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, err
		}
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON([]byte(expanded))))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return nil, err
		}
	case ".toml":
		meta, err := toml.Decode(expanded, &file)
		if err != nil {
			return nil, err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys: %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported pipelines file extension %q", ext)
	}

	return &file, nil
}
