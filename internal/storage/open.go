package storage

import (
	"context"
	"errors"
	"strings"

	logx "droidsched/pkg/logx"
)

// Store is the persistence API used by the app layer. Templates are the
// durable schedule definitions; jobs are an append-only archive of terminal
// runs.
type Store interface {
	SaveTemplate(ctx context.Context, t Template) error
	DeleteTemplate(ctx context.Context, id string) error
	ListTemplates(ctx context.Context) ([]Template, error)
	AppendJob(ctx context.Context, r JobRecord) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
