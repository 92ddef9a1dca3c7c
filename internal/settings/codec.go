package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
)

// Codec converts between Values and their on-disk representation
type Codec interface {
	Parse(data []byte) (Values, error)
	Serialize(v Values) ([]byte, error)
	Name() string
}

// YAMLCodec reads and writes settings as YAML
type YAMLCodec struct{}

// Name returns the codec name
func (YAMLCodec) Name() string { return "yaml" }

// Parse decodes and validates YAML settings
func (YAMLCodec) Parse(data []byte) (Values, error) {
	var v Values
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&v); err != nil {
		return Values{}, fmt.Errorf("%w: %v", errors.ErrParse, err)
	}
	if err := v.Validate(); err != nil {
		return Values{}, fmt.Errorf("%w: %v", errors.ErrParse, err)
	}
	return v, nil
}

// Serialize encodes settings as YAML
func (YAMLCodec) Serialize(v Values) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrSerialize, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrSerialize, err)
	}
	return buf.Bytes(), nil
}

// JSONCodec reads and writes settings as JSON
type JSONCodec struct{}

// Name returns the codec name
func (JSONCodec) Name() string { return "json" }

// Parse decodes and validates JSON settings
func (JSONCodec) Parse(data []byte) (Values, error) {
	var v Values
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return Values{}, fmt.Errorf("%w: %v", errors.ErrParse, err)
	}
	if err := v.Validate(); err != nil {
		return Values{}, fmt.Errorf("%w: %v", errors.ErrParse, err)
	}
	return v, nil
}

// Serialize encodes settings as indented JSON
func (JSONCodec) Serialize(v Values) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrSerialize, err)
	}
	return append(data, '\n'), nil
}

// CodecForPath picks a codec from the file extension; .json selects JSON and
// everything else YAML
func CodecForPath(path string) Codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return JSONCodec{}
	default:
		return YAMLCodec{}
	}
}
