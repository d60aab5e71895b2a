package modelbundle

import (
	"errors"
	"fmt"
)

const (
	HandleUnknownIgnore = "ignore"
	HandleUnknownError  = "error"
)

var (
	ErrMissingFeature  = errors.New("missing feature")
	ErrUnknownCategory = errors.New("unknown category")
)

// Features is the named input every sub-model receives.
type Features struct {
	Numeric     map[string]float64
	Categorical map[string]string
}

// CategoricalFeature lists the categories seen at training time, in the
// order of the one-hot columns.
type CategoricalFeature struct {
	Name       string   `yaml:"name"`
	Categories []string `yaml:"categories"`
}

// FeatureSchema describes the column layout of the model input tensor:
// numeric columns first, then one one-hot block per categorical feature.
type FeatureSchema struct {
	Numeric       []string             `yaml:"numeric"`
	Categorical   []CategoricalFeature `yaml:"categorical"`
	HandleUnknown string               `yaml:"handle_unknown"` // ignore | error
}

// Validate checks the schema is usable.
func (s FeatureSchema) Validate() error {
	if s.Width() == 0 {
		return errors.New("schema has no columns")
	}
	seen := map[string]bool{}
	for _, n := range s.Numeric {
		if seen[n] {
			return fmt.Errorf("duplicate feature %q", n)
		}
		seen[n] = true
	}
	for _, c := range s.Categorical {
		if seen[c.Name] {
			return fmt.Errorf("duplicate feature %q", c.Name)
		}
		seen[c.Name] = true
		if len(c.Categories) == 0 {
			return fmt.Errorf("categorical feature %q has no categories", c.Name)
		}
	}
	switch s.HandleUnknown {
	case "", HandleUnknownIgnore, HandleUnknownError:
	default:
		return fmt.Errorf("handle_unknown must be %s or %s, got %q", HandleUnknownIgnore, HandleUnknownError, s.HandleUnknown)
	}
	return nil
}

// Width is the number of input columns.
func (s FeatureSchema) Width() int {
	n := len(s.Numeric)
	for _, c := range s.Categorical {
		n += len(c.Categories)
	}
	return n
}

// Encode lays f out as a single input row. An unknown category yields an
// all-zero block unless HandleUnknown is "error".
func (s FeatureSchema) Encode(f Features) ([]float32, error) {
	row := make([]float32, 0, s.Width())
	for _, name := range s.Numeric {
		v, ok := f.Numeric[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingFeature, name)
		}
		row = append(row, float32(v))
	}
	for _, c := range s.Categorical {
		v, ok := f.Categorical[c.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingFeature, c.Name)
		}
		block := make([]float32, len(c.Categories))
		matched := false
		for i, cat := range c.Categories {
			if cat == v {
				block[i] = 1
				matched = true
				break
			}
		}
		if !matched && s.HandleUnknown == HandleUnknownError {
			return nil, fmt.Errorf("%w: %s=%q", ErrUnknownCategory, c.Name, v)
		}
		row = append(row, block...)
	}
	return row, nil
}
