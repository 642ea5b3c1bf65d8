// Package tracing bootstraps the process-level OpenTelemetry pipeline
// the engine's operator spans flow through, and provides the span
// helpers the executor wraps runs, blocks, loop iterations, and retry
// attempts with. This is ambient telemetry for whoever operates the
// process, distinct from the domain trace a run returns to its caller.
package tracing

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ExporterType selects where spans go.
type ExporterType string

const (
	// ExporterTypeOTLP ships spans to an OTLP/gRPC collector (default).
	ExporterTypeOTLP ExporterType = "otlp"
	// ExporterTypeConsole pretty-prints every run/block span to stdout,
	// for exercising the engine standalone via cmd/engine without a
	// collector running.
	ExporterTypeConsole ExporterType = "console"
	// ExporterTypeNone keeps the provider live (spans still record and
	// propagate) but exports nothing.
	ExporterTypeNone ExporterType = "none"
)

// componentAttribute is the default "component" resource attribute.
// The per-span "component" attribute set in executor.go names the
// subsystem instead ("executor" or "retry").
const componentAttribute = "workflow-engine"

// TracingConfig is everything InitTracing needs: whether tracing is
// on, what the service calls itself, where spans go, how they are
// sampled, and how the batch processor buffers them.
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	// Endpoint is the OTLP/gRPC collector address; unused by the
	// console and none exporters.
	Endpoint string
	// Insecure disables TLS on the collector connection.
	Insecure bool
	// SamplingRate is the probability of sampling a trace (0.0 to 1.0).
	SamplingRate float64
	// ResourceAttributes are added to the provider's resource, tagging
	// every span this process emits.
	ResourceAttributes map[string]string

	// Batch span processor tuning.
	BatchMaxQueue      int
	BatchTimeout       time.Duration
	BatchExportTimeout time.Duration
	BatchMaxExportSize int
}

// LoadTracingConfig reads the TRACING_* environment variables,
// falling back to defaults that suit a local collector.
func LoadTracingConfig() *TracingConfig {
	cfg := &TracingConfig{
		Enabled:            getEnvAsBool("TRACING_ENABLED", false),
		ServiceName:        getEnv("TRACING_SERVICE_NAME", "engine"),
		ServiceVersion:     getEnv("TRACING_SERVICE_VERSION", "1.0.0"),
		ExporterType:       ExporterType(getEnv("TRACING_EXPORTER_TYPE", string(ExporterTypeOTLP))),
		Endpoint:           getEnv("TRACING_ENDPOINT", "localhost:4317"),
		Insecure:           getEnvAsBool("TRACING_INSECURE", true),
		SamplingRate:       getEnvAsFloat("TRACING_SAMPLING_RATE", 1.0),
		ResourceAttributes: parseResourceAttributes(getEnv("TRACING_RESOURCE_ATTRIBUTES", "")),
		BatchMaxQueue:      getEnvAsInt("TRACING_BATCH_MAX_QUEUE_SIZE", 2048),
		BatchTimeout:       time.Duration(getEnvAsInt("TRACING_BATCH_TIMEOUT_MS", 5000)) * time.Millisecond,
		BatchExportTimeout: time.Duration(getEnvAsInt("TRACING_BATCH_EXPORT_TIMEOUT_MS", 30000)) * time.Millisecond,
		BatchMaxExportSize: getEnvAsInt("TRACING_BATCH_MAX_EXPORT_SIZE", 512),
	}

	if _, ok := cfg.ResourceAttributes["component"]; !ok {
		cfg.ResourceAttributes["component"] = componentAttribute
	}

	return cfg
}

// Validate returns the first problem that would make InitTracing
// misbehave. A disabled config is always valid.
func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return errors.New("tracing service name cannot be empty")
	}
	switch c.ExporterType {
	case ExporterTypeOTLP:
		if c.Endpoint == "" {
			return errors.New("tracing endpoint cannot be empty for the OTLP exporter")
		}
	case ExporterTypeConsole, ExporterTypeNone:
	default:
		return fmt.Errorf("invalid exporter type %q (must be otlp, console, or none)", c.ExporterType)
	}
	if c.SamplingRate < 0.0 || c.SamplingRate > 1.0 {
		return fmt.Errorf("sampling rate must be between 0.0 and 1.0, got %f", c.SamplingRate)
	}
	if c.ExporterType != ExporterTypeNone {
		if c.BatchMaxQueue <= 0 || c.BatchMaxExportSize <= 0 || c.BatchTimeout <= 0 {
			return errors.New("batch span processor settings must be positive")
		}
	}
	return nil
}

// parseResourceAttributes parses a comma-separated list of key=value
// pairs.
func parseResourceAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key != "" {
			attrs[key] = strings.TrimSpace(parts[1])
		}
	}
	return attrs
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
