package storage

import (
	"context"
	"errors"
	"strings"

	logx "autochirp/pkg/logx"
)

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log.With(logx.String("comp", "storage")))
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
