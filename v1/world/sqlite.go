package world

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-warden/v1/device"

	_ "modernc.org/sqlite"
)

// Store persists world fixtures in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database at path and initializes the schema.
func OpenStore(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		entity INTEGER PRIMARY KEY,
		zone   INTEGER NOT NULL,
		x      INTEGER NOT NULL,
		y      INTEGER NOT NULL,
		z      INTEGER NOT NULL,
		kind   TEXT NOT NULL,
		UNIQUE (zone, x, y, z)
	);

	CREATE TABLE IF NOT EXISTS wires (
		zone INTEGER NOT NULL,
		px   INTEGER NOT NULL,
		py   INTEGER NOT NULL,
		pz   INTEGER NOT NULL,
		cx   INTEGER NOT NULL,
		cy   INTEGER NOT NULL,
		cz   INTEGER NOT NULL,
		PRIMARY KEY (zone, px, py, pz, cx, cy, cz)
	);

	CREATE TABLE IF NOT EXISTS actors (
		id INTEGER PRIMARY KEY
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save replaces the stored world with f.
func (s *Store) Save(ctx context.Context, f Fixture) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"nodes", "wires", "actors"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for _, n := range f.Nodes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (entity, zone, x, y, z, kind) VALUES (?, ?, ?, ?, ?, ?)`,
			n.EntityID, n.Zone, n.Pos.X, n.Pos.Y, n.Pos.Z, n.Kind.String(),
		); err != nil {
			return fmt.Errorf("insert node %d: %w", n.EntityID, err)
		}
	}
	for _, w := range f.Wires {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO wires (zone, px, py, pz, cx, cy, cz) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			w.Zone, w.Parent.X, w.Parent.Y, w.Parent.Z, w.Child.X, w.Child.Y, w.Child.Z,
		); err != nil {
			return fmt.Errorf("insert wire: %w", err)
		}
	}
	for _, id := range f.Actors {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors (id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("insert actor %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// Load reads the stored world.
func (s *Store) Load(ctx context.Context) (Fixture, error) {
	var f Fixture
	rows, err := s.db.QueryContext(ctx, `SELECT entity, zone, x, y, z, kind FROM nodes ORDER BY entity`)
	if err != nil {
		return f, err
	}
	for rows.Next() {
		var n FixtureNode
		var kind string
		if err := rows.Scan(&n.EntityID, &n.Zone, &n.Pos.X, &n.Pos.Y, &n.Pos.Z, &kind); err != nil {
			rows.Close()
			return f, err
		}
		if n.Kind, err = device.ParseKind(kind); err != nil {
			rows.Close()
			return f, err
		}
		f.Nodes = append(f.Nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return f, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT zone, px, py, pz, cx, cy, cz FROM wires ORDER BY px, py, pz, cx, cy, cz`)
	if err != nil {
		return f, err
	}
	for rows.Next() {
		var w FixtureWire
		if err := rows.Scan(&w.Zone, &w.Parent.X, &w.Parent.Y, &w.Parent.Z, &w.Child.X, &w.Child.Y, &w.Child.Z); err != nil {
			rows.Close()
			return f, err
		}
		f.Wires = append(f.Wires, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return f, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id FROM actors ORDER BY id`)
	if err != nil {
		return f, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return f, err
		}
		f.Actors = append(f.Actors, id)
	}
	return f, rows.Err()
}

// LoadMemory reads the stored world into a Memory.
func (s *Store) LoadMemory(ctx context.Context) (*Memory, error) {
	f, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return NewMemoryFrom(f)
}
