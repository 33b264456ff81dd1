package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected zapcore.Level
		wantErr  bool
	}{
		{name: "empty defaults to info", input: "", expected: zapcore.InfoLevel},
		{name: "debug", input: "debug", expected: zapcore.DebugLevel},
		{name: "case and spaces", input: "  WARN ", expected: zapcore.WarnLevel},
		{name: "warning alias", input: "warning", expected: zapcore.WarnLevel},
		{name: "error", input: "error", expected: zapcore.ErrorLevel},
		{name: "unknown", input: "loud", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			level, err := ParseLevel(testCase.input)
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("expected an error for %q", testCase.input)
				}
				return
			}
			if err != nil || level != testCase.expected {
				t.Fatalf("expected %s, got %s (%v)", testCase.expected, level, err)
			}
		})
	}
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) || !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("expected a warn level logger")
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Fatalf("expected an unknown level to be rejected")
	}
}
