package eventlog

import (
	"context"
	"strings"
)

// NewStore picks a backend from the URL: empty for in-memory, sqlite://<path>
// for a local file, anything else is handed to pgx.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewInMemoryStore(0), nil
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	default:
		return NewPostgresStore(ctx, url)
	}
}
