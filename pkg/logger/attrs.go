package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// NewInstanceID returns "<hostname>-<8 hex>". Presence records carry it as the
// id of the process that wrote them.
func NewInstanceID() string {
	hn, _ := os.Hostname()
	if hn == "" {
		hn = "node"
	}
	return hn + "-" + uuid.New().String()[:8]
}

func ensureInstanceID(v string) string {
	if v != "" {
		return v
	}
	return NewInstanceID()
}

func commonAttr(cfg Config) []slog.Attr {
	return []slog.Attr{
		slog.String("service", cfg.Service),
		slog.String("env", string(cfg.Env)),
		slog.String("version", cfg.Version),
		slog.String("instance_id", cfg.InstanceID),
		slog.Time("started_at", time.Now()),
	}
}
