package config

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

const submethodKey = "submethod"

// FromMap builds a Config from a raw document. The submethod group, when present, is merged
// over the rest of the document before decoding, then defaults are applied. The result is not
// validated; call Validate with the kind the caller needs.
func FromMap(raw map[string]interface{}) (*Config, error) {
	merged := raw
	if sub, ok := raw[submethodKey]; ok && sub != nil {
		subMap, ok := sub.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("submethod should be an object, got %T", sub)
		}
		merged = Merge(raw, subMap)
	}

	var conf Config
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:  "json",
		Result:   &conf,
		Metadata: &md,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(merged); err != nil {
		return nil, errors.Wrap(err, "cannot decode configuration")
	}
	conf.UnusedKeys = append([]string(nil), md.Unused...)
	sort.Strings(conf.UnusedKeys)
	conf.ApplyDefaults()
	return &conf, nil
}

// FromJSON parses a JSON document and hands it to FromMap.
func FromJSON(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "cannot parse configuration")
	}
	return FromMap(raw)
}

// Read reads a JSON configuration file.
func Read(path string) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read configuration %q", path)
	}
	return FromJSON(data)
}
