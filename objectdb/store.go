package objectdb

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/tod/config"
	"go.viam.com/tod/logging"
)

// NewStore opens the store selected by the db parameter group.
func NewStore(ctx context.Context, params config.DBParams, logger logging.Logger) (Store, error) {
	switch params.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(ctx, params.Path, logger)
	case "mongodb":
		return NewMongoStore(ctx, params.URI, params.Database, params.Collection, logger)
	default:
		return nil, errors.Errorf("unsupported db type %q", params.Type)
	}
}
