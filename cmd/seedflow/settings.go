package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// settings are the process-level knobs that do not belong in a plan file.
// Flags override the environment.
type settings struct {
	LogLevel  string `env:"SEEDFLOW_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SEEDFLOW_LOG_FORMAT" envDefault:"console"`

	// MetricsBackend is none, pushgateway or datadog.
	MetricsBackend string   `env:"METRICS_BACKEND" envDefault:"none"`
	PushgatewayURL string   `env:"PUSHGATEWAY_URL" envDefault:"http://localhost:9091"`
	DatadogAddr    string   `env:"DD_DOGSTATSD_ADDR" envDefault:"127.0.0.1:8125"`
	DatadogTags    []string `env:"DD_TAGS" envSeparator:","`

	HTTPTimeout  time.Duration `env:"SEEDFLOW_HTTP_TIMEOUT" envDefault:"30s"`
	HTTPRetries  int           `env:"SEEDFLOW_HTTP_RETRIES" envDefault:"2"`
	HTTPInsecure bool          `env:"SEEDFLOW_HTTP_INSECURE"`

	// MaxFileBytes caps local seed documents; zero keeps the loader default.
	MaxFileBytes int64 `env:"SEEDFLOW_MAX_FILE_BYTES"`
}

// loadSettings reads settings from environ, e.g. env.ToMap(os.Environ()).
func loadSettings(environ map[string]string) (settings, error) {
	var s settings
	if err := env.ParseWithOptions(&s, env.Options{Environment: environ}); err != nil {
		return settings{}, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}
