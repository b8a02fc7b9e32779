package exitcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestOf(t *testing.T) {
	base := errors.New("no name")
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, Normal},
		{"plain", base, Failure},
		{"wrapped", Wrap(NoServerName, base), NoServerName},
		{"nested", fmt.Errorf("startup: %w", Wrap(BadConfig, base)), BadConfig},
		{"restart", Wrap(Restart, nil), Restart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Of(tt.err); got != tt.want {
				t.Errorf("Of() = %v, want %v", got, tt.want)
			}
		})
	}

	if !errors.Is(Wrap(NoMemory, base), base) {
		t.Error("Wrap() must keep the cause reachable")
	}
}

func TestClassification(t *testing.T) {
	for _, c := range []Code{Restart, RetryInit} {
		if !c.Restartable() || c.Fatal() {
			t.Errorf("%v misclassified", c)
		}
	}
	for _, c := range []Code{NoServerName, NoTransport, NoMemory, BadConfig} {
		if c.Restartable() || !c.Fatal() {
			t.Errorf("%v misclassified", c)
		}
	}
	if Normal.Restartable() || Failure.Fatal() {
		t.Error("normal/failure misclassified")
	}
	if Code(77).String() != "exit(77)" {
		t.Errorf("String() = %q", Code(77).String())
	}
}
