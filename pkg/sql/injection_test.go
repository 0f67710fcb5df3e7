package sql

import (
	"testing"
)

func TestCheckIdentifierForInjection(t *testing.T) {
	tests := []struct {
		name            string
		input           string
		expectInjection bool
	}{
		{name: "plain identifier", input: "amount", expectInjection: false},
		{name: "identifier with hyphen", input: "sales-2024", expectInjection: false},
		{name: "identifier with space", input: "my amount", expectInjection: false},
		{name: "empty string", input: "", expectInjection: false},

		{name: "classic quote injection", input: "' OR '1'='1", expectInjection: true},
		{name: "drop table injection", input: "'; DROP TABLE users--", expectInjection: true},
		{name: "union select injection", input: "1 UNION SELECT * FROM passwords", expectInjection: true},
		{name: "stacked queries", input: "admin'; DELETE FROM logs; --", expectInjection: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckIdentifierForInjection(tt.input)

			if !tt.expectInjection {
				if result != nil {
					t.Errorf("expected no injection, got fingerprint %q", result.Fingerprint)
				}
				return
			}

			if result == nil {
				t.Fatal("expected injection detection, got nil")
			}
			if !result.IsSQLi {
				t.Error("expected IsSQLi=true")
			}
			if result.Fingerprint == "" {
				t.Error("expected non-empty fingerprint")
			}
			if result.Input != tt.input {
				t.Errorf("expected Input=%q, got %q", tt.input, result.Input)
			}
		})
	}
}

func TestCheckAllValues(t *testing.T) {
	values := map[string]any{
		"amount":  12.5,
		"comment": "'; DROP TABLE users--",
		"label":   "hello",
		"flag":    true,
	}

	results := CheckAllValues(values)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Input != "'; DROP TABLE users--" {
		t.Errorf("unexpected flagged input %q", results[0].Input)
	}
}
