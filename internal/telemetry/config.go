package telemetry

// Config controls the OTLP trace exporter.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP gRPC collector address, host:port.
	Endpoint string
	// Insecure disables TLS on the collector connection.
	Insecure bool
	// SampleRate is the head sampling ratio in [0.0, 1.0].
	SampleRate float64
}

// DefaultConfig returns the tracing defaults: disabled, local
// collector, sample everything.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "dispatch",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
	}
}
