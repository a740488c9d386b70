package db

import (
	"context"
	"database/sql"

	"github.com/mosquitone/setlist-studio-sub001/internal/auth"
	"github.com/mosquitone/setlist-studio-sub001/internal/db"
	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

// Store is responsible for interacting with a database.
type Store struct {
	db            *sql.DB
	encryptor     *krypto.Encryptor
	blindIndexKey krypto.Key
}

// New creates a new Store.
func New(sqlDB *sql.DB, encryptor *krypto.Encryptor, blindIndexKey krypto.Key) *Store {
	return &Store{
		db:            sqlDB,
		encryptor:     encryptor,
		blindIndexKey: blindIndexKey,
	}
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (auth.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{
		tx:    tx,
		store: s,
	}, nil
}

func (s *Store) newQuery() db.Query {
	return db.Query{
		Encryptor:     s.encryptor,
		BlindIndexKey: s.blindIndexKey,
	}
}
