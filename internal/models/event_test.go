package models

import "testing"

func TestAutomationLevel(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
		want    float64
	}{
		{"no indicators", map[string]any{"foo": "bar"}, 0},
		{"two of four", map[string]any{
			"hasStructuredData":    true,
			"hasDefinedRules":      true,
			"hasRepeatableSteps":   false,
			"hasMinimalHumanInput": false,
		}, 50},
		{"all four", map[string]any{
			"hasStructuredData":    true,
			"hasDefinedRules":      true,
			"hasRepeatableSteps":   true,
			"hasMinimalHumanInput": true,
		}, 100},
		{"nil payload", nil, 0},
	}
	for _, tc := range cases {
		if got := AutomationLevel(tc.payload); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestFinished(t *testing.T) {
	if (ProcessingJob{Status: StatusProcessing}).Finished() {
		t.Fatalf("processing job must not be finished")
	}
	if !(ProcessingJob{Status: StatusCompleted}).Finished() || !(ProcessingJob{Status: StatusFailed}).Finished() {
		t.Fatalf("terminal statuses must be finished")
	}
}
