package consumer_loop

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/archon-research/queue-consumer/internal/ports/outbound"
)

const (
	// DefaultMaxTries is handed to the transport's own retry policy.
	DefaultMaxTries = 4

	// DefaultNumberOfMessages is the batch size requested per poll.
	DefaultNumberOfMessages = 1

	// BackoffIncrement is added to the polling delay after each transient send failure.
	BackoffIncrement = 5 * time.Second
)

// Options is the user-facing configuration. It is validated once by NewConfig.
type Options struct {
	// PollingTime is the baseline delay between polls. Required.
	PollingTime time.Duration

	// MaxTries is passed to the transport retry policy, not used by the loop's backoff.
	MaxTries int

	// NumberOfMessages is the maximum batch size per receive.
	NumberOfMessages int

	// MaxPollingDelay caps the accumulated backoff. Zero means no ceiling.
	MaxPollingDelay time.Duration

	// CallTimeout bounds each transport call. Zero means no timeout beyond the transport's own.
	CallTimeout time.Duration

	Logger    *slog.Logger
	Metrics   outbound.MetricsRecorder
	Scheduler Scheduler

	// Exit terminates the process on the fatal scheduling path. Defaults to os.Exit.
	Exit func(code int)
}

// Config is the validated, immutable loop configuration.
type Config struct {
	pollingTime      time.Duration
	maxTries         int
	numberOfMessages int
	maxPollingDelay  time.Duration
	callTimeout      time.Duration
	logger           *slog.Logger
	metrics          outbound.MetricsRecorder
	scheduler        Scheduler
	exit             func(int)
}

// NewConfig validates opts and back-fills defaults into a new Config.
// opts itself is left untouched.
func NewConfig(opts Options) (Config, error) {
	if opts.PollingTime <= 0 {
		return Config{}, errors.New("polling time must be positive")
	}
	if opts.MaxTries < 0 {
		return Config{}, fmt.Errorf("max tries must be non-negative, got %d", opts.MaxTries)
	}
	if opts.NumberOfMessages < 0 {
		return Config{}, fmt.Errorf("number of messages must be non-negative, got %d", opts.NumberOfMessages)
	}
	if opts.MaxPollingDelay < 0 {
		return Config{}, fmt.Errorf("max polling delay must be non-negative, got %s", opts.MaxPollingDelay)
	}
	if opts.MaxPollingDelay > 0 && opts.MaxPollingDelay < opts.PollingTime {
		return Config{}, fmt.Errorf("max polling delay %s is below polling time %s", opts.MaxPollingDelay, opts.PollingTime)
	}
	if opts.CallTimeout < 0 {
		return Config{}, fmt.Errorf("call timeout must be non-negative, got %s", opts.CallTimeout)
	}

	cfg := Config{
		pollingTime:      opts.PollingTime,
		maxTries:         opts.MaxTries,
		numberOfMessages: opts.NumberOfMessages,
		maxPollingDelay:  opts.MaxPollingDelay,
		callTimeout:      opts.CallTimeout,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		scheduler:        opts.Scheduler,
		exit:             opts.Exit,
	}

	// Apply defaults
	if cfg.maxTries == 0 {
		cfg.maxTries = DefaultMaxTries
	}
	if cfg.numberOfMessages == 0 {
		cfg.numberOfMessages = DefaultNumberOfMessages
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.metrics == nil {
		cfg.metrics = outbound.NopMetrics{}
	}
	if cfg.scheduler == nil {
		cfg.scheduler = TimerScheduler{}
	}
	if cfg.exit == nil {
		cfg.exit = os.Exit
	}

	return cfg, nil
}

// PollingTime returns the baseline polling delay.
func (c Config) PollingTime() time.Duration { return c.pollingTime }

// MaxTries returns the transport retry budget.
func (c Config) MaxTries() int { return c.maxTries }

// NumberOfMessages returns the batch size.
func (c Config) NumberOfMessages() int { return c.numberOfMessages }

// MaxPollingDelay returns the backoff ceiling, zero when unbounded.
func (c Config) MaxPollingDelay() time.Duration { return c.maxPollingDelay }

// CallTimeout returns the per-call transport timeout, zero when unset.
func (c Config) CallTimeout() time.Duration { return c.callTimeout }

// Logger returns the configured logger.
func (c Config) Logger() *slog.Logger { return c.logger }
