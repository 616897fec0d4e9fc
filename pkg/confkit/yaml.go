package confkit

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadYAML opens path and decodes it with DecodeYAML.
func LoadYAML[T any](path, what string) (*T, error) {
	LoadDotenvOnce()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s config: %w", what, err)
	}
	defer f.Close()
	return DecodeYAML[T](f, what)
}

// DecodeYAML reads the whole of r into a fresh T. what names the document in
// error messages.
func DecodeYAML[T any](r io.Reader, what string) (*T, error) {
	LoadDotenvOnce()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s config: %w", what, err)
	}
	var v T
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s config: %w", what, err)
	}
	return &v, nil
}

// Duration pairs a raw YAML string with the field it parses into.
type Duration struct {
	Key string
	Raw string
	Dst *time.Duration
}

// ParseDurations parses every non-empty raw value after env expansion. Parsed
// durations must be positive; empty values leave Dst untouched.
func ParseDurations(fields ...Duration) error {
	for _, f := range fields {
		raw := f.Raw
		ExpandEnv(&raw)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.Key, raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.Key, d)
		}
		*f.Dst = d
	}
	return nil
}
