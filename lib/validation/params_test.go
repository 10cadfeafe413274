package validation

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestValidateRunParams(t *testing.T) {
	tests := []struct {
		name       string
		workers    int
		iterations int
		hold       time.Duration
		listen     string
		wantErr    bool
	}{
		{"valid", 4, 100, 10 * time.Millisecond, "", false},
		{"valid with metrics", 4, 100, 0, "127.0.0.1:9090", false},
		{"zero workers", 0, 100, 0, "", true},
		{"too many workers", MaxWorkers + 1, 100, 0, "", true},
		{"zero iterations", 4, 0, 0, "", true},
		{"negative hold", 4, 10, -time.Second, "", true},
		{"bad listen address", 4, 10, 0, "9090", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRunParams(tt.workers, tt.iterations, tt.hold, tt.listen)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRunParams() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRunParamsCollectsAll(t *testing.T) {
	err := ValidateRunParams(0, 0, 0, "")
	var errs Errors
	if !errors.As(err, &errs) {
		t.Fatalf("expected Errors, got %T", err)
	}
	if len(errs) != 2 {
		t.Errorf("expected 2 errors, got %d: %v", len(errs), err)
	}
	if !errors.Is(err, ErrOutOfRange) {
		t.Error("expected ErrOutOfRange in the collection")
	}
}

func TestValidatePoolParams(t *testing.T) {
	tests := []struct {
		name    string
		max     int
		idle    time.Duration
		wantErr bool
	}{
		{"valid", 10, 10 * time.Minute, false},
		{"zero max", 0, time.Minute, true},
		{"max too large", MaxConnections + 1, time.Minute, true},
		{"idle too short", 10, time.Millisecond, true},
		{"idle too long", 10, 2 * MaxDuration, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePoolParams(tt.max, tt.idle)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePoolParams() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrOutOfRange) {
				t.Errorf("ValidatePoolParams() error should wrap ErrOutOfRange")
			}
		})
	}
}

func TestValidateRate(t *testing.T) {
	for _, rate := range []float64{0, 0.5, 200} {
		if err := ValidateRate(rate); err != nil {
			t.Errorf("ValidateRate(%v) error = %v", rate, err)
		}
	}
	for _, rate := range []float64{-1, math.NaN(), math.Inf(1)} {
		if err := ValidateRate(rate); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("ValidateRate(%v) error = %v, want ErrOutOfRange", rate, err)
		}
	}
}
