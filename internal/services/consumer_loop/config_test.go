package consumer_loop

import (
	"strings"
	"testing"
	"time"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(Options{PollingTime: 10 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.PollingTime() != 10*time.Second {
		t.Errorf("expected polling time 10s, got %s", cfg.PollingTime())
	}
	if cfg.MaxTries() != DefaultMaxTries {
		t.Errorf("expected max tries %d, got %d", DefaultMaxTries, cfg.MaxTries())
	}
	if cfg.NumberOfMessages() != DefaultNumberOfMessages {
		t.Errorf("expected number of messages %d, got %d", DefaultNumberOfMessages, cfg.NumberOfMessages())
	}
	if cfg.MaxPollingDelay() != 0 {
		t.Errorf("expected unbounded delay, got %s", cfg.MaxPollingDelay())
	}
	if cfg.CallTimeout() != 0 {
		t.Errorf("expected no call timeout, got %s", cfg.CallTimeout())
	}
	if cfg.Logger() == nil {
		t.Error("expected default logger")
	}
	if cfg.metrics == nil || cfg.scheduler == nil || cfg.exit == nil {
		t.Error("expected metrics, scheduler and exit defaults")
	}
}

func TestNewConfig_KeepsExplicitValues(t *testing.T) {
	opts := Options{
		PollingTime:      2 * time.Second,
		MaxTries:         7,
		NumberOfMessages: 32,
		MaxPollingDelay:  time.Minute,
		CallTimeout:      3 * time.Second,
	}
	cfg, err := NewConfig(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MaxTries() != 7 || cfg.NumberOfMessages() != 32 {
		t.Errorf("expected explicit values, got tries=%d messages=%d", cfg.MaxTries(), cfg.NumberOfMessages())
	}
	if cfg.MaxPollingDelay() != time.Minute || cfg.CallTimeout() != 3*time.Second {
		t.Errorf("expected explicit durations, got max=%s timeout=%s", cfg.MaxPollingDelay(), cfg.CallTimeout())
	}
	if opts.Logger != nil || opts.Metrics != nil {
		t.Error("expected options to be left untouched")
	}
}

func TestNewConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{
			name:    "zero polling time",
			opts:    Options{},
			wantErr: "polling time must be positive",
		},
		{
			name:    "negative polling time",
			opts:    Options{PollingTime: -time.Second},
			wantErr: "polling time must be positive",
		},
		{
			name:    "negative max tries",
			opts:    Options{PollingTime: time.Second, MaxTries: -1},
			wantErr: "max tries must be non-negative",
		},
		{
			name:    "negative number of messages",
			opts:    Options{PollingTime: time.Second, NumberOfMessages: -3},
			wantErr: "number of messages must be non-negative",
		},
		{
			name:    "negative max delay",
			opts:    Options{PollingTime: time.Second, MaxPollingDelay: -time.Second},
			wantErr: "max polling delay must be non-negative",
		},
		{
			name:    "max delay below polling time",
			opts:    Options{PollingTime: 10 * time.Second, MaxPollingDelay: 5 * time.Second},
			wantErr: "is below polling time",
		},
		{
			name:    "negative call timeout",
			opts:    Options{PollingTime: time.Second, CallTimeout: -time.Millisecond},
			wantErr: "call timeout must be non-negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opts)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}
