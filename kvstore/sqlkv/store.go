package sqlkv

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/kvstore"
)

var _ kvstore.KVStore = (*Store)(nil)

const schemaVersion = 2

type Store struct {
	*sqlx.DB

	interop interop
	get     *sqlx.Stmt
	set     *sqlx.Stmt
	del     *sqlx.Stmt
}

// NewStore takes a database/sql connection (db) and a database type name (driverName).
// driverName must be either "postgres" or "sqlite3" -- this is so we can slightly change the queries.
func NewStore(db *sql.DB, driverName string) (*Store, error) {
	s := &Store{DB: sqlx.NewDb(db, driverName)}

	switch driverName {
	case "sqlite3":
		s.interop = sqliteInterop
	case "postgres":
		s.interop = postgresInterop
	default:
		return nil, fmt.Errorf("unknown database driver '%s'", driverName)
	}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate kv schema: %w", err)
	}

	var err error
	if s.get, err = s.Preparex(
		`SELECT value FROM nostrid_kv WHERE key = ` + s.interop.generateBindingSpots(0, 1),
	); err != nil {
		return nil, fmt.Errorf("failed to prepare get: %w", err)
	}
	if s.set, err = s.Preparex(
		`INSERT INTO nostrid_kv (key, value, updated_at) VALUES (` + s.interop.generateBindingSpots(0, 3) + `)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
	); err != nil {
		return nil, fmt.Errorf("failed to prepare set: %w", err)
	}
	if s.del, err = s.Preparex(
		`DELETE FROM nostrid_kv WHERE key = ` + s.interop.generateBindingSpots(0, 1),
	); err != nil {
		return nil, fmt.Errorf("failed to prepare delete: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	txn, err := s.Beginx()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	if _, err := txn.Exec(`CREATE TABLE IF NOT EXISTS nostrid_db_version (version int)`); err != nil {
		return err
	}

	var version int
	if err := txn.Get(&version, `SELECT version FROM nostrid_db_version`); errors.Is(err, sql.ErrNoRows) {
		if _, err := txn.Exec(`INSERT INTO nostrid_db_version VALUES (0)`); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if version == 0 {
		version = 1
		if _, err := txn.Exec(
			`CREATE TABLE IF NOT EXISTS nostrid_kv (key text PRIMARY KEY, value ` + s.interop.blobType + ` NOT NULL)`,
		); err != nil {
			return err
		}
	}

	if version == 1 {
		version = 2
		if _, err := txn.Exec(`ALTER TABLE nostrid_kv ADD COLUMN updated_at integer`); err != nil {
			return err
		}
	}

	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than this program (%d)", version, schemaVersion)
	}

	if _, err := txn.Exec(fmt.Sprintf(`UPDATE nostrid_db_version SET version = %d`, version)); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.get.Get(&value, string(key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return value, err
}

func (s *Store) Set(key []byte, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.set.Exec(string(key), value, nostr.Now())
	return err
}

func (s *Store) Delete(key []byte) error {
	_, err := s.del.Exec(string(key))
	return err
}

func (s *Store) Update(key []byte, f func([]byte) ([]byte, error)) error {
	txn, err := s.Beginx()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	var val []byte
	if err := txn.Stmtx(s.get).Get(&val, string(key)); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	newVal, err := f(val)
	if err == kvstore.NoOp {
		return nil
	} else if err != nil {
		return err
	}

	if newVal == nil {
		_, err = txn.Stmtx(s.del).Exec(string(key))
	} else {
		_, err = txn.Stmtx(s.set).Exec(string(key), newVal, nostr.Now())
	}
	if err != nil {
		return err
	}
	return txn.Commit()
}

func (s *Store) Close() error {
	for _, stmt := range []*sqlx.Stmt{s.get, s.set, s.del} {
		stmt.Close()
	}
	return s.DB.Close()
}
