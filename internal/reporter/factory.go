package reporter

import (
	"context"
	"fmt"

	"apigateway/internal/storage"
)

// NewStore creates the Store for the given storage backend.
func NewStore(ctx context.Context, store storage.Storage, retentionDays int) (Store, error) {
	if store == nil {
		return NoopStore{}, nil
	}

	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB(), retentionDays)
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, store.PostgreSQLPool(), retentionDays)
	case storage.TypeMongoDB:
		return NewMongoDBStore(ctx, store.MongoDatabase(), retentionDays)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
