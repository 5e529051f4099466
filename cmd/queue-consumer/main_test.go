package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/archon-research/queue-consumer/pkg/consumer"
)

var configEnvKeys = []string{
	"QUEUE_BACKEND",
	"QUEUE_NAME",
	"AZURE_QUEUE_NAME",
	"POLLING_TIME",
	"MAX_POLLING_DELAY",
	"CALL_TIMEOUT",
	"MAX_TRIES",
	"NUMBER_OF_MESSAGES",
	"AZURE_STORAGE_ACCOUNT_CONNECTION_STRING",
	"AZURE_STORAGE_QUEUE_URL",
	"AZURE_STORAGE_ACCOUNT_NAME",
	"AZURE_STORAGE_ACCOUNT_KEY",
	"AWS_REGION",
	"AWS_SQS_ENDPOINT",
	"REDIS_ADDR",
	"REDIS_PASSWORD",
	"SNS_TOPIC_ARN",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
	}
}

const azuriteConnectionString = "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;QueueEndpoint=http://127.0.0.1:10001/devstoreaccount1;"

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		envVars   map[string]string
		wantCfg   cliConfig
		wantError string
	}{
		{
			name: "azure from env with defaults",
			envVars: map[string]string{
				"AZURE_QUEUE_NAME":                        "orders",
				"AZURE_STORAGE_ACCOUNT_CONNECTION_STRING": azuriteConnectionString,
			},
			wantCfg: cliConfig{
				backend:          "azure",
				queue:            "orders",
				pollingTime:      10 * time.Second,
				connectionString: azuriteConnectionString,
				awsRegion:        "eu-west-1",
			},
		},
		{
			name: "all flags provided via CLI",
			args: []string{
				"-backend", "memory",
				"-queue", "jobs",
				"-polling-time", "2",
				"-max-tries", "3",
				"-batch-size", "16",
				"-max-delay", "1m",
				"-call-timeout", "500ms",
			},
			wantCfg: cliConfig{
				backend:     "memory",
				queue:       "jobs",
				pollingTime: 2 * time.Second,
				maxTries:    3,
				batchSize:   16,
				maxDelay:    time.Minute,
				callTimeout: 500 * time.Millisecond,
				awsRegion:   "eu-west-1",
			},
		},
		{
			name: "settings from env vars",
			args: []string{"-backend", "redis"},
			envVars: map[string]string{
				"QUEUE_NAME":         "jobs",
				"POLLING_TIME":       "1.5",
				"MAX_POLLING_DELAY":  "30s",
				"MAX_TRIES":          "2",
				"NUMBER_OF_MESSAGES": "5",
				"REDIS_ADDR":         "cache:6380",
				"REDIS_PASSWORD":     "secret",
			},
			wantCfg: cliConfig{
				backend:       "redis",
				queue:         "jobs",
				pollingTime:   1500 * time.Millisecond,
				maxTries:      2,
				batchSize:     5,
				maxDelay:      30 * time.Second,
				awsRegion:     "eu-west-1",
				redisAddr:     "cache:6380",
				redisPassword: "secret",
			},
		},
		{
			name: "CLI flag takes precedence over env var",
			args: []string{"-backend", "memory", "-queue", "cli-queue", "-polling-time", "3s"},
			envVars: map[string]string{
				"QUEUE_BACKEND": "sqs",
				"QUEUE_NAME":    "env-queue",
				"POLLING_TIME":  "20",
			},
			wantCfg: cliConfig{
				backend:     "memory",
				queue:       "cli-queue",
				pollingTime: 3 * time.Second,
				awsRegion:   "eu-west-1",
			},
		},
		{
			name: "QUEUE_NAME wins over AZURE_QUEUE_NAME",
			args: []string{"-backend", "memory"},
			envVars: map[string]string{
				"QUEUE_NAME":       "generic",
				"AZURE_QUEUE_NAME": "azure",
			},
			wantCfg: cliConfig{
				backend:     "memory",
				queue:       "generic",
				pollingTime: 10 * time.Second,
				awsRegion:   "eu-west-1",
			},
		},
		{
			name: "sqs with endpoint and region",
			args: []string{"-backend", "SQS", "-queue", "jobs"},
			envVars: map[string]string{
				"AWS_REGION":       "us-east-1",
				"AWS_SQS_ENDPOINT": "http://localhost:4566",
				"SNS_TOPIC_ARN":    "arn:aws:sns:us-east-1:123:events",
			},
			wantCfg: cliConfig{
				backend:     "sqs",
				queue:       "jobs",
				pollingTime: 10 * time.Second,
				awsRegion:   "us-east-1",
				sqsEndpoint: "http://localhost:4566",
				snsTopicARN: "arn:aws:sns:us-east-1:123:events",
			},
		},
		{
			name: "redis default address",
			args: []string{"-backend", "redis", "-queue", "jobs"},
			wantCfg: cliConfig{
				backend:     "redis",
				queue:       "jobs",
				pollingTime: 10 * time.Second,
				awsRegion:   "eu-west-1",
				redisAddr:   "localhost:6379",
			},
		},
		{
			name: "memory seeds from positional args",
			args: []string{"-backend", "memory", "-queue", "jobs", "first", "second"},
			wantCfg: cliConfig{
				backend:     "memory",
				queue:       "jobs",
				pollingTime: 10 * time.Second,
				awsRegion:   "eu-west-1",
				seed:        []string{"first", "second"},
			},
		},
		{
			name:      "missing queue name",
			args:      []string{"-backend", "memory"},
			wantError: "queue name not provided",
		},
		{
			name:      "unknown backend",
			args:      []string{"-backend", "kafka", "-queue", "jobs"},
			wantError: `unknown backend "kafka"`,
		},
		{
			name:      "azure without connection settings",
			args:      []string{"-queue", "jobs"},
			wantError: "AZURE_STORAGE_ACCOUNT_CONNECTION_STRING or AZURE_STORAGE_QUEUE_URL",
		},
		{
			name:      "invalid polling flag",
			args:      []string{"-backend", "memory", "-queue", "jobs", "-polling-time", "soon"},
			wantError: "-polling-time: invalid duration",
		},
		{
			name:      "invalid env duration",
			args:      []string{"-backend", "memory", "-queue", "jobs"},
			envVars:   map[string]string{"CALL_TIMEOUT": "forever"},
			wantError: "CALL_TIMEOUT",
		},
		{
			name:      "invalid env integer",
			args:      []string{"-backend", "memory", "-queue", "jobs"},
			envVars:   map[string]string{"MAX_TRIES": "many"},
			wantError: "MAX_TRIES",
		},
		{
			name:      "invalid flag",
			args:      []string{"--nonexistent"},
			wantError: "flag provided but not defined",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := parseConfig(tt.args)

			if tt.wantError != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantError)
				}
				if !strings.Contains(err.Error(), tt.wantError) {
					t.Fatalf("expected error containing %q, got %q", tt.wantError, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if cfg.backend != tt.wantCfg.backend {
				t.Errorf("backend: expected %q, got %q", tt.wantCfg.backend, cfg.backend)
			}
			if cfg.queue != tt.wantCfg.queue {
				t.Errorf("queue: expected %q, got %q", tt.wantCfg.queue, cfg.queue)
			}
			if cfg.pollingTime != tt.wantCfg.pollingTime {
				t.Errorf("pollingTime: expected %v, got %v", tt.wantCfg.pollingTime, cfg.pollingTime)
			}
			if cfg.maxTries != tt.wantCfg.maxTries {
				t.Errorf("maxTries: expected %d, got %d", tt.wantCfg.maxTries, cfg.maxTries)
			}
			if cfg.batchSize != tt.wantCfg.batchSize {
				t.Errorf("batchSize: expected %d, got %d", tt.wantCfg.batchSize, cfg.batchSize)
			}
			if cfg.maxDelay != tt.wantCfg.maxDelay {
				t.Errorf("maxDelay: expected %v, got %v", tt.wantCfg.maxDelay, cfg.maxDelay)
			}
			if cfg.callTimeout != tt.wantCfg.callTimeout {
				t.Errorf("callTimeout: expected %v, got %v", tt.wantCfg.callTimeout, cfg.callTimeout)
			}
			if cfg.connectionString != tt.wantCfg.connectionString {
				t.Errorf("connectionString: expected %q, got %q", tt.wantCfg.connectionString, cfg.connectionString)
			}
			if cfg.awsRegion != tt.wantCfg.awsRegion {
				t.Errorf("awsRegion: expected %q, got %q", tt.wantCfg.awsRegion, cfg.awsRegion)
			}
			if cfg.sqsEndpoint != tt.wantCfg.sqsEndpoint {
				t.Errorf("sqsEndpoint: expected %q, got %q", tt.wantCfg.sqsEndpoint, cfg.sqsEndpoint)
			}
			if cfg.redisAddr != tt.wantCfg.redisAddr {
				t.Errorf("redisAddr: expected %q, got %q", tt.wantCfg.redisAddr, cfg.redisAddr)
			}
			if cfg.redisPassword != tt.wantCfg.redisPassword {
				t.Errorf("redisPassword: expected %q, got %q", tt.wantCfg.redisPassword, cfg.redisPassword)
			}
			if cfg.snsTopicARN != tt.wantCfg.snsTopicARN {
				t.Errorf("snsTopicARN: expected %q, got %q", tt.wantCfg.snsTopicARN, cfg.snsTopicARN)
			}
			if strings.Join(cfg.seed, ",") != strings.Join(tt.wantCfg.seed, ",") {
				t.Errorf("seed: expected %v, got %v", tt.wantCfg.seed, cfg.seed)
			}
		})
	}
}

func TestLongPollSeconds(t *testing.T) {
	tests := []struct {
		name        string
		callTimeout time.Duration
		want        int32
	}{
		{name: "no call timeout", callTimeout: 0, want: 20},
		{name: "timeout above ceiling", callTimeout: time.Minute, want: 20},
		{name: "timeout at ceiling", callTimeout: 20 * time.Second, want: 19},
		{name: "short timeout", callTimeout: 5 * time.Second, want: 4},
		{name: "fractional timeout", callTimeout: 2500 * time.Millisecond, want: 1},
		{name: "one second", callTimeout: time.Second, want: 0},
		{name: "sub-second", callTimeout: 500 * time.Millisecond, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := longPollSeconds(tt.callTimeout)
			if got != tt.want {
				t.Errorf("longPollSeconds(%v): expected %d, got %d", tt.callTimeout, tt.want, got)
			}
			if tt.callTimeout > 0 && time.Duration(got)*time.Second >= tt.callTimeout {
				t.Errorf("wait %ds does not fit in call timeout %v", got, tt.callTimeout)
			}
		})
	}
}

func TestAzureConnection_PrefersConnectionString(t *testing.T) {
	conn, err := azureConnection(cliConfig{
		connectionString: azuriteConnectionString,
		serviceURL:       "https://account.queue.core.windows.net",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := conn.(consumer.ConnectionString)
	if !ok {
		t.Fatalf("expected ConnectionString, got %T", conn)
	}
	if string(got) != azuriteConnectionString {
		t.Errorf("connection string: expected %q, got %q", azuriteConnectionString, got)
	}
}

func TestAzureConnection_InvalidSharedKey(t *testing.T) {
	_, err := azureConnection(cliConfig{
		serviceURL:  "https://account.queue.core.windows.net",
		accountName: "account",
		accountKey:  "not base64!",
	})
	if err == nil {
		t.Fatal("expected error for malformed account key")
	}
	if !strings.Contains(err.Error(), "shared key credential") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRun_MemoryBackendShutsDownOnCancel(t *testing.T) {
	clearConfigEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- run(ctx, []string{"-backend", "memory", "-queue", "jobs", "-polling-time", "10ms", "hello"})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRun_ConfigError(t *testing.T) {
	clearConfigEnv(t)

	err := run(context.Background(), []string{"-backend", "memory"})
	if err == nil || !strings.Contains(err.Error(), "queue name not provided") {
		t.Fatalf("expected queue name error, got %v", err)
	}
}
