package service

import (
	"context"
	"errors"
	"testing"
)

func TestCompensationRun(t *testing.T) {
	boom := errors.New("cleanup failed")

	tests := []struct {
		name    string
		policy  CleanupPolicy
		fnErr   error
		wantErr bool
	}{
		{"log and continue swallows", LogAndContinue, boom, false},
		{"propagate returns", Propagate, boom, true},
		{"success", Propagate, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Compensation{Policy: tt.policy}.Run(t.Context(), "delete_bytes", func(context.Context) error {
				return tt.fnErr
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, boom) {
				t.Fatalf("err = %v, want wrapped %v", err, boom)
			}
		})
	}
}

func TestCompensationIgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	var seen error
	Compensation{Policy: Propagate}.Run(ctx, "restore_queued", func(ctx context.Context) error {
		seen = ctx.Err()
		return nil
	})
	if seen != nil {
		t.Fatalf("compensation saw cancelled context: %v", seen)
	}
}
