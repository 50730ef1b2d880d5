package topic

import (
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Decode builds specs from loosely typed configuration, typically the
// `topics` list read by viper. Retention accepts Go durations plus a day
// suffix ("400d").
func Decode(input any) ([]Spec, error) {
	var specs []Spec
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			RetentionHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &specs,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(input); err != nil {
		return nil, fmt.Errorf("decode topics: %w", err)
	}
	return specs, nil
}

// RetentionHookFunc converts "<n>d" strings into a time.Duration. Other strings
// pass through to the next hook.
func RetentionHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if !strings.HasSuffix(s, "d") {
			return data, nil
		}
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return nil, fmt.Errorf("invalid retention %q: %w", s, err)
		}
		return time.Duration(n) * day, nil
	}
}

// LoadCatalog decodes input and defines every spec in a new catalog.
func LoadCatalog(input any) (*Catalog, error) {
	specs, err := Decode(input)
	if err != nil {
		return nil, err
	}
	return NewCatalog(specs...)
}

type yamlSpec struct {
	Name              string `yaml:"name"`
	Class             Class  `yaml:"class,omitempty"`
	Partitions        int32  `yaml:"partitions"`
	ReplicationFactor int16  `yaml:"replicationFactor"`
	CleanupPolicy     string `yaml:"cleanupPolicy"`
	Retention         string `yaml:"retention,omitempty"`
	Ordering          string `yaml:"ordering"`
	KeyRequired       bool   `yaml:"keyRequired"`
	Description       string `yaml:"description,omitempty"`
}

// FormatRetention renders d in days when it is a whole number of days.
func FormatRetention(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	if d%day == 0 {
		return fmt.Sprintf("%dd", d/day)
	}
	return d.String()
}

// WriteYAML encodes specs in the format Decode accepts.
func WriteYAML(w io.Writer, specs []Spec) error {
	out := make([]yamlSpec, 0, len(specs))
	for _, s := range specs {
		s = s.Normalized()
		out = append(out, yamlSpec{
			Name:              s.Name,
			Class:             s.Class,
			Partitions:        s.Partitions,
			ReplicationFactor: s.ReplicationFactor,
			CleanupPolicy:     string(s.CleanupPolicy),
			Retention:         FormatRetention(s.Retention),
			Ordering:          string(s.Ordering),
			KeyRequired:       s.KeyRequired,
			Description:       s.Description,
		})
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"topics": out}); err != nil {
		return err
	}
	return enc.Close()
}
