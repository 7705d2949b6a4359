package artifact

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/Bidon15/otaupdate/internal/merror"
)

const maxSafeInteger = 1 << 53

// ValidateMetaData enforces the meta-data shape rule: the top level
// must be a JSON object; every value must be a string, a number, or an
// array whose elements are all strings or all numbers; integers
// outside +/-(2^53-1) are rejected since they can't round-trip through
// a float64 exactly.
func ValidateMetaData(raw []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, merror.New(merror.ParseError, "artifact.ValidateMetaData", err)
	}
	for key, v := range doc {
		if err := validateMetaValue(v); err != nil {
			return nil, merror.New(merror.ValidationError, "artifact.ValidateMetaData",
				fmt.Errorf("meta-data[%s]: %w", key, err))
		}
	}
	return doc, nil
}

func validateMetaValue(v any) error {
	switch val := v.(type) {
	case string:
		return nil
	case float64:
		return validateNumber(val)
	case []any:
		if len(val) == 0 {
			return nil
		}
		_, firstIsString := val[0].(string)
		for _, elem := range val {
			if firstIsString {
				if _, ok := elem.(string); !ok {
					return fmt.Errorf("array elements must all be strings or all numbers")
				}
			} else {
				n, ok := elem.(float64)
				if !ok {
					return fmt.Errorf("array elements must all be strings or all numbers")
				}
				if err := validateNumber(n); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("value must be a string, number, or flat array, got %T", v)
	}
}

func validateNumber(n float64) error {
	if math.Trunc(n) != n {
		return nil
	}
	if n > maxSafeInteger-1 || n < -(maxSafeInteger-1) {
		return fmt.Errorf("integer %v exceeds +/-(2^53-1)", n)
	}
	return nil
}
