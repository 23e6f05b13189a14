package collab

import (
	"fmt"

	"github.com/okvist/collabd/internal/common/errors"
)

func requireString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", errors.InvalidArgument("missing required field %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.InvalidArgument("field %q must be a non-empty string", key)
	}
	return s, nil
}

func optString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func requireBool(args map[string]any, key string) (bool, error) {
	v, ok := args[key]
	if !ok {
		return false, errors.InvalidArgument("missing required field %q", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.InvalidArgument("field %q must be a boolean", key)
	}
	return b, nil
}

// stringList accepts both []string and the []any the JSON decoder hands us.
func stringList(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, errors.InvalidArgument("field %q must contain only strings, got %s", key, fmt.Sprintf("%T", item))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, errors.InvalidArgument("field %q must be an array of strings", key)
	}
}
