package server

import (
	"net/url"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Calls init function.
)

// DBConfig is the connection info for the Postgres-backed throttle
// whitelist (internal/infrastructure/postgres.WhitelistRepository).
type DBConfig struct {
	User         string
	Password     string
	Host         string
	Name         string
	MaxIdleConns int
	MaxOpenConns int
	SSLMode      string
}

// OpenDB connects via pgx (registered as the "pgx" sqlx driver by
// server.go's blank import), building the DSN from cfg rather than taking
// a raw connection string so callers can't leak a password into a log line.
func OpenDB(cfg DBConfig) (*sqlx.DB, error) {
	q := make(url.Values)
	q.Set("sslmode", cfg.SSLMode)
	q.Set("timezone", "utc")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Host,
		Path:     cfg.Name,
		RawQuery: q.Encode(),
	}

	db, err := sqlx.Connect("pgx", u.String())
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	return db, nil
}
