package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gamerboy74/agrisync/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed repositories for order sync state.
type Store struct {
	*persistence.Store

	Orders *OrderStore
	Outbox *OutboxStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:  persistence.NewStore(pool),
		Orders: NewOrderStore(pool),
		Outbox: NewOutboxStore(pool),
	}
}
