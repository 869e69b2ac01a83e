package tools

import "testing"

func TestValidateArguments(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer"},
			"ratio": map[string]any{"type": "number"},
			"tags":  map[string]any{"type": "array"},
			"opts":  map[string]any{"type": "object"},
			"mode":  map[string]any{"type": "string", "enum": []string{"fast", "slow"}},
		},
		"required":             []any{"query"},
		"additionalProperties": false,
	}

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{"minimal", map[string]any{"query": "go"}, false},
		{"all typed", map[string]any{
			"query": "go", "count": 3.0, "ratio": 0.5,
			"tags": []any{"a"}, "opts": map[string]any{}, "mode": "fast",
		}, false},
		{"missing required", map[string]any{"count": 1.0}, true},
		{"fractional integer", map[string]any{"query": "go", "count": 1.5}, true},
		{"string for number", map[string]any{"query": "go", "ratio": "half"}, true},
		{"unknown key", map[string]any{"query": "go", "extra": true}, true},
		{"enum mismatch", map[string]any{"query": "go", "mode": "medium"}, true},
		{"null object", map[string]any{"query": "go", "opts": nil}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArguments(schema, tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateArguments() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateArgumentsEmptySchema(t *testing.T) {
	if err := ValidateArguments(nil, map[string]any{"anything": 1}); err != nil {
		t.Errorf("empty schema should accept anything: %v", err)
	}
}

func TestValidateArgumentsAdditionalDefault(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{"a": map[string]any{"type": "string"}},
	}
	if err := ValidateArguments(schema, map[string]any{"b": 1}); err != nil {
		t.Errorf("additional properties are allowed by default: %v", err)
	}
}
