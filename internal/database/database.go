package database

import (
	"context"
	"database/sql"
	"time"
)

type PgGoClinicRepository struct {
	conn *sql.DB
}

func NewPgGoClinicRepository(dsn string) (*PgGoClinicRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(15 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &PgGoClinicRepository{conn: db}, nil
}

func (db *PgGoClinicRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgGoClinicRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
