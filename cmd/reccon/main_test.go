package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/MrWong99/reccon/internal/storage"
)

func TestExitError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"exhausted", fmt.Errorf("segment: open: %w", storage.ErrExhausted), 2},
		{"reconcile", errors.New("app: reconcile: storage: scan: permission denied"), 1},
		{"http", errors.New("app: http server: listener closed"), 1},
		{"locked", fmt.Errorf("app: init storage: %w", storage.ErrLocked), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var ec cli.ExitCoder
			if err := exitError(tt.err); !errors.As(err, &ec) || ec.ExitCode() != tt.want {
				t.Errorf("exitError(%v) = %v, want exit code %d", tt.err, err, tt.want)
			}
		})
	}
}
