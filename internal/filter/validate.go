package filter

import (
	"errors"
	"fmt"

	"openiotzen-gateway/internal/data"
)

// Validate checks that every operator belongs to the filter type's set and
// that thresholds have a matching type.
func Validate(f data.Filter) error {
	if f.Field == "" {
		return errors.New("filter field is required")
	}
	if f.ModelID == "" {
		return errors.New("filter model_id is required")
	}
	ops, ok := operatorPhrases[f.FilterType]
	if !ok {
		return fmt.Errorf("unknown filter_type %q", f.FilterType)
	}
	if len(f.Conditions) == 0 {
		return errors.New("filter has no conditions")
	}

	for i, c := range f.Conditions {
		op := normalizeOperator(c.Operator)
		if _, ok := ops[op]; !ok {
			return fmt.Errorf("condition %d: operator %q is not valid for %s filters", i, c.Operator, f.FilterType)
		}
		switch f.FilterType {
		case data.FilterNumeric:
			if _, ok := toFloat(c.Threshold); !ok {
				return fmt.Errorf("condition %d: threshold %v is not numeric", i, c.Threshold)
			}
		case data.FilterBoolean:
			switch c.Threshold.(type) {
			case bool, string, float64, int, int64:
			default:
				return fmt.Errorf("condition %d: threshold %v is not boolean", i, c.Threshold)
			}
		case data.FilterString:
			if c.Threshold == nil {
				return fmt.Errorf("condition %d: threshold is required", i)
			}
		}
	}
	return nil
}
