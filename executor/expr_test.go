package executor

import (
	"testing"
	"time"
)

func timeMillis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestEvalGuard(t *testing.T) {
	outputs := map[string]map[string]interface{}{
		"fetch": {
			"status_code": float64(200),
			"body":        "hello world",
			"tags":        []interface{}{"a", "b"},
		},
		"score": {"value": 0.9},
		"check": {"result": true},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"outputs.fetch.status_code == 200", true},
		{"outputs.fetch.status_code != 200", false},
		{"outputs.fetch.status_code >= 200", true},
		{"outputs.fetch.status_code < 300", true},
		{"outputs.score.value > 0.8", true},
		{"outputs.score.value > 0.95", false},
		{"outputs.fetch.body contains 'world'", true},
		{"outputs.fetch.body contains 'xyzzy'", false},
		{"outputs.fetch.tags contains 'a'", true},
		{"outputs.fetch.tags contains 'z'", false},
		{"outputs.check.result", true},
		{"!outputs.check.result", false},
		{"outputs.check.result && outputs.score.value > 0.8", true},
		{"outputs.check.result && outputs.score.value > 0.95", false},
		{"outputs.score.value > 0.95 || outputs.check.result", true},
		{"(outputs.score.value > 0.95 || outputs.check.result) && outputs.fetch.status_code == 200", true},
		{"outputs.missing.field == 200", false},
		{"outputs.missing.field == null", true},
		{"outputs.fetch.body == \"hello world\"", true},
		{"outputs.fetch.status_code == 200.0", true},
	}

	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := EvalGuard(tc.expr, outputs)
			if err != nil {
				t.Fatalf("EvalGuard(%q) error: %v", tc.expr, err)
			}
			if got != tc.want {
				t.Errorf("EvalGuard(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestEvalGuardErrors(t *testing.T) {
	outputs := map[string]map[string]interface{}{
		"n": {"text": "x"},
	}

	bad := []string{
		"outputs.n.text <",
		"state.n.text == 'x'",
		"outputs.n.text contains 5",
		"outputs.n.text < 3",
		"(outputs.n.text == 'x'",
		"outputs.n.text = 'x'",
		"'unterminated",
	}
	for _, expr := range bad {
		t.Run(expr, func(t *testing.T) {
			if _, err := EvalGuard(expr, outputs); err == nil {
				t.Errorf("expected error for %q", expr)
			}
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	base := 10
	for attempt := 0; attempt < 5; attempt++ {
		d := computeBackoff(attempt, timeMillis(base), nil)
		min := timeMillis(base * (1 << attempt))
		if min > maxBackoffDelay {
			min = maxBackoffDelay
		}
		if d < min || d > min+timeMillis(base) {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, d, min, min+timeMillis(base))
		}
	}
}
