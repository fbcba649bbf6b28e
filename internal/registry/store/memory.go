// SPDX-License-Identifier: MPL-2.0

package store

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/apex-lang/apex/pkg/semver"
)

// Memory is an in-process Store. A single mutex serializes every operation,
// which gives publish the same atomicity the SQL backend gets from its
// transaction.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	nextID   int64
	users    map[int64]*User
	packages map[int64]*Package
	versions map[int64]*Version
	assets   map[int64]*Asset
	owners   map[int64]map[int64]bool
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		users:    make(map[int64]*User),
		packages: make(map[int64]*Package),
		versions: make(map[int64]*Version),
		assets:   make(map[int64]*Asset),
		owners:   make(map[int64]map[int64]bool),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// CreateUser implements Store.
func (m *Memory) CreateUser(_ context.Context, username, email, passwordHash string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Username == username {
			return nil, ErrConflict
		}
	}
	u := &User{ID: m.id(), Username: username, Email: email, PasswordHash: passwordHash, CreatedAt: m.now().UTC()}
	m.users[u.ID] = u
	out := *u
	return &out, nil
}

// UserByName implements Store.
func (m *Memory) UserByName(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Username == username {
			out := *u
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// UserByID implements Store.
func (m *Memory) UserByID(_ context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

// Publish implements Store. Nothing is recorded unless write succeeds.
func (m *Memory) Publish(ctx context.Context, in PublishInput, write WriteAssetFunc) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	pkg := m.packageByName(in.Name)
	created := pkg == nil
	if created {
		pkg = &Package{Name: in.Name, OwnerID: in.UserID, CreatedAt: now}
	} else if !m.owners[pkg.ID][in.UserID] {
		return nil, ErrNotOwner
	} else if m.versionOf(pkg.ID, in.Version) != nil {
		return nil, ErrConflict
	}

	path, size, err := write(ctx)
	if err != nil {
		return nil, err
	}

	// Commit.
	if created {
		pkg.ID = m.id()
		m.packages[pkg.ID] = pkg
		m.owners[pkg.ID] = map[int64]bool{in.UserID: true}
	}
	pkg.Description = in.Description
	pkg.MetadataJSON = slices.Clone(in.MetadataJSON)
	pkg.UpdatedAt = now

	v := &Version{
		ID:           m.id(),
		PackageID:    pkg.ID,
		Version:      in.Version,
		Checksum:     in.Checksum,
		ManifestJSON: slices.Clone(in.ManifestJSON),
		TargetsJSON:  slices.Clone(in.TargetsJSON),
		CreatedAt:    now,
	}
	m.versions[v.ID] = v
	m.assets[v.ID] = &Asset{VersionID: v.ID, Filename: in.Filename, Path: path, SizeBytes: size}

	out := *v
	return &out, nil
}

// Package implements Store.
func (m *Memory) Package(_ context.Context, name string) (*Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.packageByName(name)
	if p == nil {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

// ListPackages implements Store.
func (m *Memory) ListPackages(_ context.Context, q ListQuery) ([]Summary, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []Summary
	for _, p := range m.packages {
		if !matchesSearch(p.Name, p.Description, q.Search) {
			continue
		}
		var versions []string
		for _, v := range m.versions {
			if v.PackageID == p.ID && !v.Yanked {
				versions = append(versions, v.Version)
			}
		}
		rows = append(rows, Summary{Package: *p, LatestVersion: latest(versions)})
	}
	sortSummaries(rows, q.Sort)

	total := len(rows)
	start := min(offset(q), total)
	end := total
	if q.PerPage > 0 {
		end = min(start+q.PerPage, total)
	}
	return rows[start:end], total, nil
}

// Releases implements Store.
func (m *Memory) Releases(_ context.Context, packageID int64) ([]Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Release
	for _, v := range m.versions {
		if v.PackageID != packageID {
			continue
		}
		r := Release{Version: *v}
		if a, ok := m.assets[v.ID]; ok {
			asset := *a
			r.Asset = &asset
		}
		out = append(out, r)
	}
	sortReleases(out)
	return out, nil
}

// Release implements Store.
func (m *Memory) Release(_ context.Context, name, version string) (*Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.packageByName(name)
	if p == nil {
		return nil, ErrNotFound
	}
	v := m.versionOf(p.ID, version)
	if v == nil {
		return nil, ErrNotFound
	}
	r := &Release{Version: *v}
	if a, ok := m.assets[v.ID]; ok {
		asset := *a
		r.Asset = &asset
	}
	return r, nil
}

// SetYanked implements Store.
func (m *Memory) SetYanked(_ context.Context, name, version string, yanked bool) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.packageByName(name)
	if p == nil {
		return nil, ErrNotFound
	}
	v := m.versionOf(p.ID, version)
	if v == nil {
		return nil, ErrNotFound
	}
	v.Yanked = yanked
	p.UpdatedAt = m.now().UTC()
	out := *v
	return &out, nil
}

// Owners implements Store.
func (m *Memory) Owners(_ context.Context, packageID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.packages[packageID]; !ok {
		return nil, ErrNotFound
	}
	names := make([]string, 0, len(m.owners[packageID]))
	for id := range m.owners[packageID] {
		names = append(names, m.users[id].Username)
	}
	SortOwners(names)
	return names, nil
}

// IsOwner implements Store.
func (m *Memory) IsOwner(_ context.Context, packageID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[packageID][userID], nil
}

// AddOwner implements Store. Adding an existing owner is a no-op.
func (m *Memory) AddOwner(_ context.Context, packageID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.packages[packageID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	if m.owners[packageID] == nil {
		m.owners[packageID] = make(map[int64]bool)
	}
	if !m.owners[packageID][userID] {
		m.owners[packageID][userID] = true
		m.packages[packageID].UpdatedAt = m.now().UTC()
	}
	return nil
}

// RemoveOwner implements Store.
func (m *Memory) RemoveOwner(_ context.Context, packageID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	owners := m.owners[packageID]
	if !owners[userID] {
		return ErrNotFound
	}
	if len(owners) <= 1 {
		return ErrLastOwner
	}
	delete(owners, userID)
	m.packages[packageID].UpdatedAt = m.now().UTC()
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func (m *Memory) packageByName(name string) *Package {
	for _, p := range m.packages {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func (m *Memory) versionOf(packageID int64, version string) *Version {
	for _, v := range m.versions {
		if v.PackageID == packageID && v.Version == version {
			return v
		}
	}
	return nil
}

// SortOwners orders usernames case-insensitively, breaking ties bytewise.
func SortOwners(names []string) {
	slices.SortFunc(names, func(a, b string) int {
		return cmp.Or(cmp.Compare(strings.ToLower(a), strings.ToLower(b)), cmp.Compare(a, b))
	})
}

// latest returns the highest semantic version of vs, or "" when vs is empty.
// Unparseable strings lose to any valid version.
func latest(vs []string) string {
	best := ""
	var bestV semver.Version
	for _, s := range vs {
		v, err := semver.Parse(s)
		if err != nil {
			if best == "" {
				best = s
			}
			continue
		}
		if best == "" || bestV.Less(v) {
			best, bestV = s, v
		}
	}
	return best
}

func sortSummaries(rows []Summary, sortBy string) {
	slices.SortFunc(rows, func(a, b Summary) int {
		if sortBy == "name" {
			return cmp.Compare(a.Name, b.Name)
		}
		return cmp.Or(b.UpdatedAt.Compare(a.UpdatedAt), cmp.Compare(a.Name, b.Name))
	})
}

// sortReleases orders releases newest version first.
func sortReleases(rs []Release) {
	slices.SortStableFunc(rs, func(a, b Release) int {
		av, aerr := semver.Parse(a.Version.Version)
		bv, berr := semver.Parse(b.Version.Version)
		if aerr != nil || berr != nil {
			return cmp.Compare(b.Version.Version, a.Version.Version)
		}
		return bv.Compare(av)
	})
}
