package worker

import (
	"context"
	"database/sql"

	"github.com/tably/payments/internal/cache"
	"github.com/tably/payments/internal/eventstore"
	"github.com/tably/payments/internal/readmodel"
)

// dbStateReader serves StateReader from Postgres, with an optional cache in
// front of the restaurant config lookup. Configs change rarely and every
// attempt reads one, so they are the only cached read.
type dbStateReader struct {
	db      *sql.DB
	configs *cache.ConfigCache // nil disables caching
}

// NewStateReader builds the production StateReader. configs may be nil.
func NewStateReader(db *sql.DB, configs *cache.ConfigCache) StateReader {
	return &dbStateReader{db: db, configs: configs}
}

func (r *dbStateReader) Get(ctx context.Context, authRequestID string) (*readmodel.AuthRequest, error) {
	return readmodel.Get(ctx, r.db, authRequestID)
}

func (r *dbStateReader) GetConfig(ctx context.Context, restaurantID string) (*readmodel.RestaurantConfig, error) {
	if r.configs != nil {
		if cfg, ok := r.configs.Get(ctx, restaurantID); ok {
			return cfg, nil
		}
	}
	cfg, err := readmodel.GetConfig(ctx, r.db, restaurantID)
	if err != nil {
		return nil, err
	}
	if r.configs != nil {
		r.configs.Put(ctx, cfg)
	}
	return cfg, nil
}

func (r *dbStateReader) HasVoidEvent(ctx context.Context, authRequestID string) (bool, error) {
	return eventstore.HasVoidEvent(ctx, r.db, authRequestID)
}
