package tasks

import (
	"context"
	"strings"
)

// NewStore returns a PostgreSQL store, or nil when databaseURL is empty.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil
	}
	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return store, nil
}
