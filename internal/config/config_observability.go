package config

import "fmt"

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`

	// RedactPatterns adds regexes to the built-in secret redaction set.
	RedactPatterns []string `yaml:"redact_patterns"`
}

func (l *LoggingConfig) applyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

func (l *LoggingConfig) validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", l.Level)
	}
	switch l.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", l.Format)
	}
	return nil
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// On reports whether /metrics is served. Defaults on.
func (m MetricsConfig) On() bool {
	return m.Enabled == nil || *m.Enabled
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is otlp or stdout.
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint"`

	Insecure       bool    `yaml:"insecure"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

func (t *TracingConfig) applyDefaults() {
	if t.Exporter == "" {
		t.Exporter = "otlp"
	}
	if t.ServiceName == "" {
		t.ServiceName = "arbor"
	}
	if t.SamplingRate == 0 {
		t.SamplingRate = 1.0
	}
}

func (t *TracingConfig) validate() error {
	switch t.Exporter {
	case "otlp", "stdout":
	default:
		return fmt.Errorf("tracing.exporter must be otlp or stdout, got %q", t.Exporter)
	}
	if t.Enabled && t.Exporter == "otlp" && t.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled with the otlp exporter")
	}
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be in [0, 1], got %g", t.SamplingRate)
	}
	return nil
}
