package domain

import (
	"dario.cat/mergo"
)

// MergeContext folds node output into the run's context variables. Maps merge
// recursively with later values winning; slices append. Inputs are left
// untouched.
func MergeContext(current, output map[string]interface{}) (map[string]interface{}, error) {
	if len(output) == 0 {
		return current, nil
	}

	merged := make(map[string]interface{}, len(current)+len(output))
	for k, v := range current {
		merged[k] = v
	}

	if err := mergo.Merge(&merged, output,
		mergo.WithOverride,
		mergo.WithAppendSlice); err != nil {
		return nil, Error{
			Type:    ErrorTypeInternal,
			Message: "context merge failed: " + err.Error(),
		}
	}

	return merged, nil
}
