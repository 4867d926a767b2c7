// Package config holds the single injected configuration record threaded
// through every component at process start, replacing the module-global
// defaults the teacher keeps in package vars (spec.md Design Notes: "Global
// mutable state").
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the root configuration record.
	Config struct {
		// DefaultQuota is applied to any (provider, model) pair with no
		// explicit entry in ProviderQuotas (spec §4.2 failure semantics).
		DefaultQuota ProviderQuota `yaml:"default_quota"`
		// ProviderQuotas maps "provider" or "provider/model" to its quota.
		ProviderQuotas map[string]ProviderQuota `yaml:"provider_quotas"`
		// Routing maps "tasktype" or "tasktype/subtask" to a provider/model pair.
		Routing map[string]RouteTarget `yaml:"routing"`
		// Retry is a generic retry policy record. No component reads it:
		// webhook fan-out builds its policy from Webhook via
		// retry.WebhookConfig, and the router's dispatch channel has no retry.
		Retry RetryPolicy `yaml:"retry"`
		// Webhook configures the event tracker's outbound fan-out.
		Webhook WebhookConfig `yaml:"webhook"`
		// Quality configures the delivery quality gate thresholds.
		Quality QualityConfig `yaml:"quality"`
		// MaxRetries bounds how many times a failed request re-enters its
		// provider queue before becoming terminal (spec §3).
		MaxRetries int `yaml:"max_retries"`
		// DispatchTick is the periodic timer driving queue reprocessing and
		// rate-limit window resets (spec §4.2).
		DispatchTick time.Duration `yaml:"dispatch_tick"`
		// AdapterTimeout is the deadline after which a processing request
		// with no adapter callback is reaped as failed (spec §4.5).
		AdapterTimeout time.Duration `yaml:"adapter_timeout"`
		// HTTPRequestTimeout is an outbound HTTP timeout setting. It is not
		// read by the webhook dispatcher or the delivery callback, which
		// each use a fixed 10-second http.Client timeout.
		HTTPRequestTimeout time.Duration `yaml:"http_request_timeout"`
	}

	// ProviderQuota bounds a provider queue's throughput.
	ProviderQuota struct {
		RPMCap         int `yaml:"rpm_cap"`
		TokensPerMinute int `yaml:"tokens_per_minute"`
		ConcurrentCap  int `yaml:"concurrent_cap"`
	}

	// RouteTarget is a classifier routing-table entry.
	RouteTarget struct {
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
	}

	// RetryPolicy parameterizes the shared retry helper.
	RetryPolicy struct {
		MaxAttempts       int           `yaml:"max_attempts"`
		InitialBackoff    time.Duration `yaml:"initial_backoff"`
		MaxBackoff        time.Duration `yaml:"max_backoff"`
		BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	}

	// WebhookConfig configures fan-out delivery.
	WebhookConfig struct {
		// NotificationServiceHost recognizes the special notification-service
		// webhook payload shape by URL host (spec §4.4 step 3).
		NotificationServiceHost string `yaml:"notification_service_host"`
		// InitialBackoff is the delay before the first retry of a webhook POST.
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		// MaxOutboundPerSecond throttles process-wide webhook concurrency.
		MaxOutboundPerSecond float64 `yaml:"max_outbound_per_second"`
	}

	// QualityConfig holds the quality-gate thresholds (spec §4.3).
	QualityConfig struct {
		ApproveThreshold float64 `yaml:"approve_threshold"`
		RejectThreshold  float64 `yaml:"reject_threshold"`
	}
)

// Default returns a configuration with the defaults named across spec.md
// (30 rpm / 5 concurrent default quota, 3-attempt webhook retry, etc).
func Default() Config {
	return Config{
		DefaultQuota: ProviderQuota{RPMCap: 30, ConcurrentCap: 5},
		ProviderQuotas: map[string]ProviderQuota{
			"text":  {RPMCap: 60, ConcurrentCap: 10},
			"image": {RPMCap: 20, ConcurrentCap: 4},
			"audio": {RPMCap: 20, ConcurrentCap: 4},
			"video": {RPMCap: 10, ConcurrentCap: 2},
			"code":  {RPMCap: 15, ConcurrentCap: 3},
		},
		Routing: map[string]RouteTarget{
			"text":    {Provider: "text", Model: "default-text"},
			"image":   {Provider: "image", Model: "default-image"},
			"audio":   {Provider: "audio", Model: "default-audio"},
			"video":   {Provider: "video", Model: "default-video"},
			"context": {Provider: "text", Model: "default-context"},
			"code":    {Provider: "code", Model: "default-code"},
			"unknown": {Provider: "text", Model: "default-text"},
		},
		Retry: RetryPolicy{
			MaxAttempts:       3,
			InitialBackoff:    200 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2,
		},
		Webhook: WebhookConfig{
			NotificationServiceHost: "notify.internal",
			InitialBackoff:          500 * time.Millisecond,
			MaxOutboundPerSecond:    50,
		},
		Quality: QualityConfig{ApproveThreshold: 0.75, RejectThreshold: 0.25},
		MaxRetries:         2,
		DispatchTick:        5 * time.Second,
		AdapterTimeout:      10 * time.Minute,
		HTTPRequestTimeout:  30 * time.Second,
	}
}

// Load reads a YAML configuration file and merges it onto Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// QuotaFor returns the configured quota for (provider, model), falling back
// to a provider-only entry then to DefaultQuota, per spec §4.2 failure
// semantics ("unrecognized provider or model gets its own default-quota
// queue created on demand").
func (c Config) QuotaFor(provider, model string) ProviderQuota {
	if model != "" {
		if q, ok := c.ProviderQuotas[provider+"/"+model]; ok {
			return q
		}
	}
	if q, ok := c.ProviderQuotas[provider]; ok {
		return q
	}
	return c.DefaultQuota
}

// RouteFor resolves a (task type, subtask) pair to a routing table entry,
// letting a subtask-specific entry win when present (spec §4.1 rule 5).
func (c Config) RouteFor(taskType, subtask string) (RouteTarget, bool) {
	if subtask != "" {
		if rt, ok := c.Routing[taskType+"/"+subtask]; ok {
			return rt, true
		}
	}
	rt, ok := c.Routing[taskType]
	return rt, ok
}
