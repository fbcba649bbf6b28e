// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS users (
  id BIGSERIAL PRIMARY KEY,
  username TEXT NOT NULL UNIQUE,
  email TEXT NOT NULL DEFAULT '',
  password_hash TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS packages (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  description TEXT NOT NULL DEFAULT '',
  metadata_json TEXT NOT NULL DEFAULT '{}',
  owner_id BIGINT NOT NULL REFERENCES users (id),
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS versions (
  id BIGSERIAL PRIMARY KEY,
  package_id BIGINT NOT NULL REFERENCES packages (id),
  version TEXT NOT NULL,
  checksum TEXT NOT NULL,
  manifest_json TEXT NOT NULL DEFAULT '{}',
  targets_json TEXT NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  yanked BOOLEAN NOT NULL DEFAULT FALSE,
  UNIQUE (package_id, version)
);

CREATE TABLE IF NOT EXISTS assets (
  version_id BIGINT PRIMARY KEY REFERENCES versions (id),
  filename TEXT NOT NULL,
  path TEXT NOT NULL,
  size_bytes BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS package_owners (
  package_id BIGINT NOT NULL REFERENCES packages (id),
  user_id BIGINT NOT NULL REFERENCES users (id),
  role TEXT NOT NULL DEFAULT 'owner',
  PRIMARY KEY (package_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_versions_package_id ON versions (package_id);
CREATE INDEX IF NOT EXISTS idx_package_owners_user_id ON package_owners (user_id);
`

// Postgres is a Store backed by PostgreSQL through the pgx database/sql driver.
type Postgres struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

var _ Store = (*Postgres)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

// NewPostgres opens the database at dsn and verifies connectivity. The
// schema is created lazily on first use.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	p.schemaOnce.Do(func() {
		_, p.schemaErr = p.db.ExecContext(ctx, schema)
	})
	return p.schemaErr
}

// CreateUser implements Store.
func (p *Postgres) CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error) {
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	u := &User{Username: username, Email: email, PasswordHash: passwordHash}
	err := p.db.QueryRowContext(ctx, `
INSERT INTO users (username, email, password_hash) VALUES ($1, $2, $3)
RETURNING id, created_at`, username, email, passwordHash).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return u, nil
}

// UserByName implements Store.
func (p *Postgres) UserByName(ctx context.Context, username string) (*User, error) {
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return scanUser(p.db.QueryRowContext(ctx, `
SELECT id, username, email, password_hash, created_at FROM users WHERE username = $1`, username))
}

// UserByID implements Store.
func (p *Postgres) UserByID(ctx context.Context, id int64) (*User, error) {
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return scanUser(p.db.QueryRowContext(ctx, `
SELECT id, username, email, password_hash, created_at FROM users WHERE id = $1`, id))
}

// Publish implements Store.
func (p *Postgres) Publish(ctx context.Context, in PublishInput, write WriteAssetFunc) (*Version, error) {
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	pkgID, err := ensurePackage(ctx, tx, in)
	if err != nil {
		return nil, err
	}

	var exists bool
	err = tx.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM versions WHERE package_id = $1 AND version = $2)`, pkgID, in.Version).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrConflict
	}

	v := &Version{
		PackageID:    pkgID,
		Version:      in.Version,
		Checksum:     in.Checksum,
		ManifestJSON: in.ManifestJSON,
		TargetsJSON:  in.TargetsJSON,
	}
	err = tx.QueryRowContext(ctx, `
INSERT INTO versions (package_id, version, checksum, manifest_json, targets_json, yanked)
VALUES ($1, $2, $3, $4, $5, FALSE)
RETURNING id, created_at`,
		pkgID, in.Version, in.Checksum, jsonText(in.ManifestJSON), jsonText(in.TargetsJSON)).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}

	path, size, err := write(ctx)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO assets (version_id, filename, path, size_bytes) VALUES ($1, $2, $3, $4)`,
		v.ID, in.Filename, path, size)
	if err != nil {
		return nil, mapErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit publish: %w", err)
	}
	return v, nil
}

// ensurePackage locks or creates the package row and checks ownership.
func ensurePackage(ctx context.Context, tx *sql.Tx, in PublishInput) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM packages WHERE name = $1 FOR UPDATE`, in.Name).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx, `
INSERT INTO packages (name, description, metadata_json, owner_id) VALUES ($1, $2, $3, $4)
RETURNING id`, in.Name, in.Description, jsonText(in.MetadataJSON), in.UserID).Scan(&id)
		if err != nil {
			return 0, mapErr(err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO package_owners (package_id, user_id, role) VALUES ($1, $2, $3)`, id, in.UserID, RoleOwner)
		return id, mapErr(err)
	case err != nil:
		return 0, err
	}

	var owner bool
	err = tx.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM package_owners WHERE package_id = $1 AND user_id = $2)`, id, in.UserID).Scan(&owner)
	if err != nil {
		return 0, err
	}
	if !owner {
		return 0, ErrNotOwner
	}
	_, err = tx.ExecContext(ctx, `
UPDATE packages SET description = $2, metadata_json = $3, updated_at = NOW() WHERE id = $1`,
		id, in.Description, jsonText(in.MetadataJSON))
	return id, err
}

// Package implements Store.
func (p *Postgres) Package(ctx context.Context, name string) (*Package, error) {
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return scanPackage(p.db.QueryRowContext(ctx, `
SELECT id, name, description, metadata_json, owner_id, created_at, updated_at
FROM packages WHERE name = $1`, name))
}

// ListPackages implements Store.
func (p *Postgres) ListPackages(ctx context.Context, q ListQuery) ([]Summary, int, error) {
	if err := p.ensureSchema(ctx); err != nil {
		return nil, 0, err
	}
	const filter = `($1 = '' OR strpos(lower(p.name), lower($1)) > 0 OR strpos(lower(p.description), lower($1)) > 0)`

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages p WHERE `+filter, q.Search).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := "p.updated_at DESC, p.name"
	if q.Sort == "name" {
		order = "p.name"
	}
	limit := q.PerPage
	if limit <= 0 {
		limit = total
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT p.id, p.name, p.description, p.metadata_json, p.owner_id, p.created_at, p.updated_at,
  COALESCE(string_agg(v.version, ',') FILTER (WHERE NOT v.yanked), '')
FROM packages p
LEFT JOIN versions v ON v.package_id = p.id
WHERE `+filter+`
GROUP BY p.id
ORDER BY `+order+`
LIMIT $2 OFFSET $3`, q.Search, limit, offset(q))
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var (
			s        Summary
			meta     string
			versions string
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &meta, &s.OwnerID, &s.CreatedAt, &s.UpdatedAt, &versions); err != nil {
			return nil, 0, err
		}
		s.MetadataJSON = []byte(meta)
		if versions != "" {
			s.LatestVersion = latest(strings.Split(versions, ","))
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// Releases implements Store.
func (p *Postgres) Releases(ctx context.Context, packageID int64) ([]Release, error) {
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, releaseSelect+` WHERE v.package_id = $1`, packageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortReleases(out)
	return out, nil
}

// Release implements Store.
func (p *Postgres) Release(ctx context.Context, name, version string) (*Release, error) {
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return scanRelease(p.db.QueryRowContext(ctx, releaseSelect+`
JOIN packages p ON p.id = v.package_id
WHERE p.name = $1 AND v.version = $2`, name, version))
}

const releaseSelect = `
SELECT v.id, v.package_id, v.version, v.checksum, v.manifest_json, v.targets_json, v.created_at, v.yanked,
  a.filename, a.path, a.size_bytes
FROM versions v
LEFT JOIN assets a ON a.version_id = v.id`

// SetYanked implements Store.
func (p *Postgres) SetYanked(ctx context.Context, name, version string, yanked bool) (*Version, error) {
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRelease(tx.QueryRowContext(ctx, releaseSelect+`
JOIN packages p ON p.id = v.package_id
WHERE p.name = $1 AND v.version = $2
FOR UPDATE OF v`, name, version))
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE versions SET yanked = $2 WHERE id = $1`, r.ID, yanked); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE packages SET updated_at = NOW() WHERE id = $1`, r.PackageID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	v := r.Version
	v.Yanked = yanked
	return &v, nil
}

// Owners implements Store.
func (p *Postgres) Owners(ctx context.Context, packageID int64) ([]string, error) {
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT u.username FROM package_owners o JOIN users u ON u.id = o.user_id
WHERE o.package_id = $1`, packageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortOwners(names)
	return names, nil
}

// IsOwner implements Store.
func (p *Postgres) IsOwner(ctx context.Context, packageID, userID int64) (bool, error) {
	if err := p.ensureSchema(ctx); err != nil {
		return false, err
	}
	var owner bool
	err := p.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM package_owners WHERE package_id = $1 AND user_id = $2)`, packageID, userID).Scan(&owner)
	return owner, err
}

// AddOwner implements Store.
func (p *Postgres) AddOwner(ctx context.Context, packageID, userID int64) error {
	if err := p.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
WITH added AS (
	INSERT INTO package_owners (package_id, user_id, role) VALUES ($1, $2, $3)
	ON CONFLICT (package_id, user_id) DO NOTHING
	RETURNING package_id
)
UPDATE packages SET updated_at = NOW() WHERE id IN (SELECT package_id FROM added)`, packageID, userID, RoleOwner)
	return mapErr(err)
}

// RemoveOwner implements Store. The owner rows of the package are locked so
// two concurrent removals cannot both see a second owner.
func (p *Postgres) RemoveOwner(ctx context.Context, packageID, userID int64) error {
	if err := p.ensureSchema(ctx); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT user_id FROM package_owners WHERE package_id = $1 FOR UPDATE`, packageID)
	if err != nil {
		return err
	}
	var (
		count int
		found bool
	)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		count++
		found = found || id == userID
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if count <= 1 {
		return ErrLastOwner
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM package_owners WHERE package_id = $1 AND user_id = $2`, packageID, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE packages SET updated_at = NOW() WHERE id = $1`, packageID); err != nil {
		return err
	}
	return tx.Commit()
}

// Close implements Store.
func (p *Postgres) Close() error { return p.db.Close() }

func scanUser(row rowScanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func scanPackage(row rowScanner) (*Package, error) {
	var (
		pkg  Package
		meta string
	)
	if err := row.Scan(&pkg.ID, &pkg.Name, &pkg.Description, &meta, &pkg.OwnerID, &pkg.CreatedAt, &pkg.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	pkg.MetadataJSON = []byte(meta)
	return &pkg, nil
}

func scanRelease(row rowScanner) (*Release, error) {
	var (
		r                 Release
		manifest, targets string
		filename, path    sql.NullString
		size              sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.PackageID, &r.Version.Version, &r.Checksum, &manifest, &targets, &r.CreatedAt, &r.Yanked,
		&filename, &path, &size)
	if err != nil {
		return nil, mapErr(err)
	}
	r.ManifestJSON = []byte(manifest)
	r.TargetsJSON = []byte(targets)
	if path.Valid {
		r.Asset = &Asset{VersionID: r.ID, Filename: filename.String, Path: path.String, SizeBytes: size.Int64}
	}
	return &r, nil
}

// mapErr translates driver errors into the package sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func jsonText(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}
