// Package migrations embeds the postgres schema for the vault store. One file
// exists per storage generation and every file is additive, so the schema can
// always be migrated ahead of the logic version attached to a vault.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers pgx5://
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var files embed.FS

const dir = "sql"

// Files lists the embedded migration file names in application order.
func Files() ([]string, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the body of an embedded migration.
func Read(name string) (string, error) {
	data, err := fs.ReadFile(files, dir+"/"+name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DatabaseURL rewrites a postgres DSN to the scheme registered by the pgx v5
// migrate driver.
func DatabaseURL(dsn string) (string, error) {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix), nil
		}
	}
	if strings.HasPrefix(dsn, "pgx5://") {
		return dsn, nil
	}
	return "", fmt.Errorf("migrations: unsupported dsn scheme")
}

func open(dsn string) (*migrate.Migrate, error) {
	url, err := DatabaseURL(dsn)
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(files, dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: open source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return nil, fmt.Errorf("migrations: connect: %w", err)
	}
	return m, nil
}

func closeMigrate(m *migrate.Migrate, err error) error {
	srcErr, dbErr := m.Close()
	return errors.Join(err, srcErr, dbErr)
}

// Up applies every pending migration. It returns the resulting schema
// version and whether anything was applied.
func Up(dsn string) (version uint, applied bool, err error) {
	m, err := open(dsn)
	if err != nil {
		return 0, false, err
	}
	defer func() { err = closeMigrate(m, err) }()

	switch upErr := m.Up(); {
	case errors.Is(upErr, migrate.ErrNoChange):
	case upErr != nil:
		return 0, false, fmt.Errorf("migrations: up: %w", upErr)
	default:
		applied = true
	}
	version, _, err = current(m)
	return version, applied, err
}

// Version reports the applied schema version and whether the last migration
// left the database dirty. An unmigrated database reports version 0.
func Version(dsn string) (version uint, dirty bool, err error) {
	m, err := open(dsn)
	if err != nil {
		return 0, false, err
	}
	defer func() { err = closeMigrate(m, err) }()
	return current(m)
}

func current(m *migrate.Migrate) (uint, bool, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migrations: version: %w", err)
	}
	return version, dirty, nil
}
