package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
)

const (
	DataTypeText  = "text"
	DataTypeEmail = "email"
	DataTypeJSON  = "json"
)

type ValidationResult struct {
	IsValid          bool     `json:"is_valid"`
	Issues           []string `json:"issues"`
	DataQualityScore float64  `json:"data_quality_score"`
	DataType         string   `json:"type"`
	Size             int      `json:"size"`
}

// ValidateData checks "data" against the format named by "type" (text, email or json).
func ValidateData(_ context.Context, _ string, params map[string]any) (any, error) {
	data, err := requiredText(params, "data")
	if err != nil {
		return nil, err
	}
	dataType := DataTypeText
	if raw, ok := params["type"].(string); ok && strings.TrimSpace(raw) != "" {
		dataType = strings.ToLower(strings.TrimSpace(raw))
	}

	var issues []string
	switch dataType {
	case DataTypeText:
		if len(data) < 3 {
			issues = append(issues, "Text is shorter than 3 characters")
		}
	case DataTypeEmail:
		if !strings.Contains(data, "@") {
			issues = append(issues, "Email must contain @ symbol")
		} else if _, err := mail.ParseAddress(data); err != nil {
			issues = append(issues, "Email address is malformed")
		}
	case DataTypeJSON:
		var parsed any
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			issues = append(issues, fmt.Sprintf("Invalid JSON format: %v", err))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidParams, dataType)
	}

	score := 1.0
	if len(issues) > 0 {
		score = 0.6
	}
	if issues == nil {
		issues = []string{}
	}
	return ValidationResult{
		IsValid:          len(issues) == 0,
		Issues:           issues,
		DataQualityScore: score,
		DataType:         dataType,
		Size:             len(data),
	}, nil
}
