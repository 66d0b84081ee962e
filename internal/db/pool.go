package db

import "github.com/jmoiron/sqlx"

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode, this enables concurrent reads while serializing
// writes through a single connection. For PostgreSQL, both Writer and Reader
// return the same *sqlx.DB since pgx pools connections internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// Open opens a read/write Pool for the given driver.
// driver is "sqlite" (dsn is a file path) or "postgres" (dsn is a conn string).
func Open(driver, dsn string, maxConns, minConns int) (*Pool, error) {
	switch driver {
	case "sqlite":
		writer, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(dsn)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(writer, reader), nil
	case "postgres":
		conn, err := OpenPostgres(dsn, maxConns, minConns)
		if err != nil {
			return nil, err
		}
		return NewPool(conn, conn), nil
	default:
		return nil, &UnsupportedDriverError{Driver: driver}
	}
}

// UnsupportedDriverError is returned by Open for unknown driver names.
type UnsupportedDriverError struct {
	Driver string
}

func (e *UnsupportedDriverError) Error() string {
	return "unsupported database driver: " + e.Driver
}
