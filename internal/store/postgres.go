package store

import (
	"database/sql"
)

type PgConversationStore struct {
	conn *sql.DB
}

func NewPgConversationStore(dsn string) (*PgConversationStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgConversationStore{conn: db}, nil
}

func (db *PgConversationStore) Ping() error {
	return db.conn.Ping()
}

func (db *PgConversationStore) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
