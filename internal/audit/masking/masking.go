package masking

import "strings"

const maskToken = "****"

var sensitiveKeys = []string{"password", "secret", "token", "api_key", "apikey", "authorization"}

// MaskSecret redacts a secret, keeping its last four characters.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 4 {
		return maskToken
	}
	return maskToken + trimmed[len(trimmed)-4:]
}

// MaskSensitive copies metadata, masking string values whose key looks like a credential.
// Nested maps are walked. Blank keys are dropped.
func MaskSensitive(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	out := make(map[string]any, len(input))
	for key, value := range input {
		k := strings.TrimSpace(key)
		if k == "" {
			continue
		}
		switch cast := value.(type) {
		case map[string]any:
			out[k] = MaskSensitive(cast)
		case string:
			if isSensitive(k) {
				out[k] = MaskSecret(cast)
			} else {
				out[k] = cast
			}
		default:
			out[k] = value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
