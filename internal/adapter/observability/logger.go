package observability

import (
	"log/slog"
	"os"

	"github.com/rabbitreels/rabbitreels/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields. The host
// field matters here: render workers run as interchangeable fleet containers,
// and the container hostname is what ties a log line back to a registry row.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
		slog.String("host", host),
	)
	return logger
}
