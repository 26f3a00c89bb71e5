package postgres

import (
	"context"
	"net"
	"time"

	"github.com/jmoiron/sqlx"
)

// whitelistRow mirrors one row of the delaypool_whitelist table.
type whitelistRow struct {
	Address string     `db:"address"`
	Comment string     `db:"comment"`
	AddedAt *time.Time `db:"added_at"`
}

// WhitelistRepository persists the set of IPs exempt from tile-request
// throttling. The render daemon never had a store for this beyond an
// in-memory array sized at startup; this gives operators a durable place to
// add and remove entries. The serve command reads the table into the
// throttle pool only at startup, so a change takes effect on the next start.
type WhitelistRepository struct {
	db *sqlx.DB
}

// NewWhitelistRepository wraps db and ensures the delaypool_whitelist table
// exists, so a fresh database works without a separate migration step.
func NewWhitelistRepository(db *sqlx.DB) (*WhitelistRepository, error) {
	r := &WhitelistRepository{db: db}
	if err := r.createSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *WhitelistRepository) createSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS delaypool_whitelist (
			address text PRIMARY KEY,
			comment text NOT NULL DEFAULT '',
			added_at timestamptz NOT NULL DEFAULT now()
		)
	`)
	return err
}

// Load implements delaypool.WhitelistSource.
func (r *WhitelistRepository) Load(ctx context.Context) ([]net.IP, error) {
	var rows []whitelistRow
	err := r.db.SelectContext(ctx, &rows, `SELECT address, comment, added_at FROM delaypool_whitelist`)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(rows))
	for _, row := range rows {
		if ip := net.ParseIP(row.Address); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

func (r *WhitelistRepository) Add(ctx context.Context, ip net.IP, comment string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO delaypool_whitelist (address, comment, added_at) VALUES ($1, $2, now())
		 ON CONFLICT (address) DO UPDATE SET comment = EXCLUDED.comment`,
		ip.String(), comment)
	return err
}

func (r *WhitelistRepository) Remove(ctx context.Context, ip net.IP) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM delaypool_whitelist WHERE address = $1`, ip.String())
	return err
}
