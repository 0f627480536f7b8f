package operations

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidParams = errors.New("invalid_operation_params")

func requiredText(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidParams, key)
	}
	text, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidParams, key)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: %s cannot be empty", ErrInvalidParams, key)
	}
	return text, nil
}

func optionalInt(params map[string]any, key string, def int) (int, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidParams, key)
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidParams, key)
}

// words lowercases text and splits it on anything that is not a letter, digit or apostrophe.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '\'' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127)
	})
}
