package instrumentation

// Exporter types
const (
	ExporterPrometheus = "prometheus"
	ExporterStdout     = "stdout"
)

// Config holds the configuration for metrics instrumentation.
type Config struct {
	// ServiceName is the name of the service (default: mailboxauth)
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled determines if instrumentation is active (default: true)
	Enabled bool

	// MetricsExporter specifies the metrics exporter type
	// Options: "prometheus", "stdout" (default: "prometheus")
	MetricsExporter string
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() Config {
	return Config{
		ServiceName:     "mailboxauth",
		ServiceVersion:  "unknown",
		Enabled:         true,
		MetricsExporter: ExporterPrometheus,
	}
}

// Constants for metric label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"

	// Token request sources
	SourceCache   = "cache"
	SourceRefresh = "refresh"
	SourceJoined  = "joined"
)
