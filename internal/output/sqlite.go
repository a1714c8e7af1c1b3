package output

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/danmuck/abxfeed/internal/protocol/wire"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteFile stores packets in a packets table keyed by sequence. Each Write
// replaces the table contents, so the file holds one session's collection.
type SQLiteFile struct {
	Path string
}

func (s *SQLiteFile) Write(ctx context.Context, packets []wire.Packet) error {
	db, err := OpenSQLite(s.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("output: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM packets`); err != nil {
		return fmt.Errorf("output: clear packets: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO packets (sequence, symbol, side, quantity, price) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("output: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range packets {
		if _, err := stmt.ExecContext(ctx, p.Sequence, p.Symbol, p.Side.String(), p.Quantity, p.Price); err != nil {
			return fmt.Errorf("output: insert sequence %d: %w", p.Sequence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("output: commit: %w", err)
	}
	return nil
}

// OpenSQLite opens path and applies the packets schema.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("output: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("output: connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("output: execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("output: apply schema: %w", err)
	}
	return db, nil
}

// ReadSQLite returns stored packets in sequence order.
func ReadSQLite(ctx context.Context, db *sql.DB) ([]wire.Packet, error) {
	rows, err := db.QueryContext(ctx, `SELECT sequence, symbol, side, quantity, price FROM packets ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("output: query packets: %w", err)
	}
	defer rows.Close()

	var out []wire.Packet
	for rows.Next() {
		var p wire.Packet
		var side string
		if err := rows.Scan(&p.Sequence, &p.Symbol, &side, &p.Quantity, &p.Price); err != nil {
			return nil, fmt.Errorf("output: scan packet: %w", err)
		}
		if err := p.Side.UnmarshalText([]byte(side)); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
