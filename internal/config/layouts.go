package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/sensorlog/internal/core"
)

// Layouts holds column layouts from the layouts file, keyed by sensor type
// name and by vendor. Keys are matched case-insensitively.
//
//	types:
//	  RC-4HC:
//	    sheet: Lista
//	    timestampColumn: B
//	    temperatureColumn: C
//	    startRow: 3
//	vendors:
//	  novus:
//	    dateFormat: DD/MM/YYYY HH:mm:ss
type Layouts struct {
	Types   map[string]core.ColumnLayout `yaml:"types"`
	Vendors map[string]core.ColumnLayout `yaml:"vendors"`
}

// LoadLayouts reads a layouts file. An empty path yields an empty set.
func LoadLayouts(path string) (*Layouts, error) {
	if path == "" {
		return &Layouts{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layouts file: %w", err)
	}
	l, err := ParseLayouts(data)
	if err != nil {
		return nil, fmt.Errorf("layouts file %s: %w", path, err)
	}
	return l, nil
}

// ParseLayouts decodes and validates YAML layouts.
func ParseLayouts(data []byte) (*Layouts, error) {
	var raw Layouts
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	l := &Layouts{
		Types:   make(map[string]core.ColumnLayout, len(raw.Types)),
		Vendors: make(map[string]core.ColumnLayout, len(raw.Vendors)),
	}
	var errs []string
	for name, layout := range raw.Types {
		if err := validateLayout(layout); err != nil {
			errs = append(errs, fmt.Sprintf("types.%s: %v", name, err))
		}
		l.Types[normalizeKey(name)] = layout
	}
	for name, layout := range raw.Vendors {
		if err := validateLayout(layout); err != nil {
			errs = append(errs, fmt.Sprintf("vendors.%s: %v", name, err))
		}
		l.Vendors[normalizeKey(name)] = layout
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid layouts:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return l, nil
}

// LayoutFor prefers the sensor type over the vendor.
func (l *Layouts) LayoutFor(typeName, vendor string) (core.ColumnLayout, bool) {
	if l == nil {
		return core.ColumnLayout{}, false
	}
	if typeName != "" {
		if layout, ok := l.Types[normalizeKey(typeName)]; ok {
			return layout, true
		}
	}
	if vendor != "" {
		if layout, ok := l.Vendors[normalizeKey(vendor)]; ok {
			return layout, true
		}
	}
	return core.ColumnLayout{}, false
}

// Len returns the number of configured layouts.
func (l *Layouts) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Types) + len(l.Vendors)
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validateLayout(l core.ColumnLayout) error {
	if l.StartRow < 0 {
		return fmt.Errorf("startRow must be non-negative")
	}
	if l.TemperatureMin != nil && l.TemperatureMax != nil && *l.TemperatureMin > *l.TemperatureMax {
		return fmt.Errorf("temperatureMin must not exceed temperatureMax")
	}
	if l.HumidityMin != nil && l.HumidityMax != nil && *l.HumidityMin > *l.HumidityMax {
		return fmt.Errorf("humidityMin must not exceed humidityMax")
	}
	return nil
}
