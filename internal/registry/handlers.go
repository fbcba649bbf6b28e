// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/apex-lang/apex/internal/registry/store"
	"github.com/apex-lang/apex/pkg/registryapi"
)

const minPasswordLen = 8

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,38}$`)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) error {
	var req registryapi.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if !usernamePattern.MatchString(req.Username) {
		return errorf(http.StatusBadRequest, "invalid username %q", req.Username)
	}
	if len(req.Password) < minPasswordLen {
		return errorf(http.StatusBadRequest, "password must be at least %d characters", minPasswordLen)
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		return err
	}
	u, err := s.store.CreateUser(r.Context(), req.Username, strings.TrimSpace(req.Email), hash)
	if errors.Is(err, store.ErrConflict) {
		return errorf(http.StatusConflict, "username %q is taken", req.Username)
	}
	if err != nil {
		return err
	}
	s.log.Info("user registered", "username", u.Username)
	writeJSON(w, http.StatusCreated, publicUser(u))
	return nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) error {
	var req registryapi.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	u, err := s.store.UserByName(r.Context(), req.Username)
	if errors.Is(err, store.ErrNotFound) {
		return errorf(http.StatusUnauthorized, "%s", ErrInvalidCredentials)
	}
	if err != nil {
		return err
	}
	ok, err := VerifyPassword(req.Password, u.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return errorf(http.StatusUnauthorized, "%s", ErrInvalidCredentials)
	}
	token, err := s.auth.Mint(u.ID, u.Username)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     registryapi.CookieToken,
		Value:    token,
		Path:     "/",
		MaxAge:   int(TokenLifetime / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, registryapi.LoginResponse{Token: token, Username: u.Username})
	return nil
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) error {
	u, err := s.requireUser(r)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, publicUser(u))
	return nil
}

// requireUser authenticates the request.
func (s *Server) requireUser(r *http.Request) (*store.User, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return nil, errorf(http.StatusUnauthorized, "authentication required")
	}
	id, _, err := s.auth.Verify(token)
	if err != nil {
		return nil, errorf(http.StatusUnauthorized, "%s", ErrInvalidToken)
	}
	u, err := s.store.UserByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errorf(http.StatusUnauthorized, "unknown user")
	}
	return u, err
}

// requireOwner authenticates the request and checks that the caller owns
// the package named in the path.
func (s *Server) requireOwner(r *http.Request) (*store.User, *store.Package, error) {
	u, err := s.requireUser(r)
	if err != nil {
		return nil, nil, err
	}
	pkg, err := s.lookupPackage(r.Context(), r.PathValue("name"))
	if err != nil {
		return nil, nil, err
	}
	owner, err := s.store.IsOwner(r.Context(), pkg.ID, u.ID)
	if err != nil {
		return nil, nil, err
	}
	if !owner {
		return nil, nil, errorf(http.StatusForbidden, "%s is not an owner of %s", u.Username, pkg.Name)
	}
	return u, pkg, nil
}

func (s *Server) lookupPackage(ctx context.Context, name string) (*store.Package, error) {
	pkg, err := s.store.Package(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errorf(http.StatusNotFound, "package %q not found", name)
	}
	return pkg, err
}

// listQuery reads search, sort, and pagination parameters.
func listQuery(r *http.Request) (store.ListQuery, error) {
	q := r.URL.Query()
	lq := store.ListQuery{
		Search:  strings.TrimSpace(q.Get("search")),
		Sort:    registryapi.SortUpdated,
		Page:    1,
		PerPage: registryapi.DefaultPerPage,
	}
	switch sortBy := q.Get("sort"); sortBy {
	case "", registryapi.SortUpdated:
	case registryapi.SortName:
		lq.Sort = sortBy
	default:
		return lq, errorf(http.StatusBadRequest, "sort must be %q or %q", registryapi.SortName, registryapi.SortUpdated)
	}
	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			return lq, errorf(http.StatusBadRequest, "page must be a positive integer")
		}
		lq.Page = page
	}
	if v := q.Get("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return lq, errorf(http.StatusBadRequest, "per_page must be an integer")
		}
		lq.PerPage = registryapi.ClampPerPage(n)
	}
	return lq, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) error {
	lq, err := listQuery(r)
	if err != nil {
		return err
	}
	rows, total, err := s.store.ListPackages(r.Context(), lq)
	if err != nil {
		return err
	}
	out := registryapi.PackageList{
		Packages: make([]registryapi.PackageSummary, 0, len(rows)),
		Total:    total,
		Page:     lq.Page,
		PerPage:  lq.PerPage,
	}
	for _, row := range rows {
		out.Packages = append(out.Packages, registryapi.PackageSummary{
			Name:          row.Name,
			Description:   row.Description,
			LatestVersion: row.LatestVersion,
			UpdatedAt:     row.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) error {
	detail, err := s.detail(r.Context(), r.PathValue("name"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, detail)
	return nil
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) error {
	detail, err := s.detail(r.Context(), r.PathValue("name"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, registryapi.VersionList{Name: detail.Name, Versions: detail.Versions})
	return nil
}

// detail assembles the detail document of a package, consulting the cache
// first. Mutations invalidate the cached entry.
func (s *Server) detail(ctx context.Context, name string) (registryapi.PackageDetail, error) {
	d, gen, ok := s.cache.get(name)
	if ok {
		return d, nil
	}
	pkg, err := s.lookupPackage(ctx, name)
	if err != nil {
		return registryapi.PackageDetail{}, err
	}
	releases, err := s.store.Releases(ctx, pkg.ID)
	if err != nil {
		return registryapi.PackageDetail{}, err
	}
	owners, err := s.store.Owners(ctx, pkg.ID)
	if err != nil {
		return registryapi.PackageDetail{}, err
	}

	d = registryapi.PackageDetail{
		Name:        pkg.Name,
		Description: pkg.Description,
		Owners:      owners,
		CreatedAt:   pkg.CreatedAt,
		UpdatedAt:   pkg.UpdatedAt,
		Versions:    make([]registryapi.Version, 0, len(releases)),
	}
	if len(pkg.MetadataJSON) > 0 && json.Valid(pkg.MetadataJSON) {
		d.Metadata = json.RawMessage(pkg.MetadataJSON)
	}
	for _, rel := range releases {
		d.Versions = append(d.Versions, apiVersion(rel))
	}
	s.cache.add(name, gen, d)
	return d, nil
}

func apiVersion(rel store.Release) registryapi.Version {
	v := registryapi.Version{
		Version:      rel.Version.Version,
		Checksum:     rel.Checksum,
		Dependencies: map[string]string{},
		Yanked:       rel.Yanked,
		CreatedAt:    rel.CreatedAt,
	}
	var doc struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal(rel.ManifestJSON, &doc); err == nil && doc.Dependencies != nil {
		v.Dependencies = doc.Dependencies
	}
	if len(rel.TargetsJSON) > 0 && json.Valid(rel.TargetsJSON) {
		v.Targets = json.RawMessage(rel.TargetsJSON)
	}
	if rel.Asset != nil {
		v.Size = rel.Asset.SizeBytes
	}
	return v
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) error {
	name, version := r.PathValue("name"), r.PathValue("version")
	rel, err := s.store.Release(r.Context(), name, version)
	if errors.Is(err, store.ErrNotFound) {
		return errorf(http.StatusNotFound, "%s@%s not found", name, version)
	}
	if err != nil {
		return err
	}
	if rel.Asset == nil {
		return errorf(http.StatusNotFound, "%s@%s has no archive", name, version)
	}
	body, size, err := s.blobs.Open(r.Context(), rel.Asset.Path)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	h := w.Header()
	h.Set("Content-Type", "application/gzip")
	h.Set(registryapi.HeaderChecksum, rel.Checksum)
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rel.Asset.Filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log.Warn("download interrupted", "package", name, "version", version, "err", err)
	}
	return nil
}

func (s *Server) handleYank(yanked bool) apiFunc {
	kind := registryapi.EventYank
	if !yanked {
		kind = registryapi.EventUnyank
	}
	return func(w http.ResponseWriter, r *http.Request) error {
		u, pkg, err := s.requireOwner(r)
		if err != nil {
			return err
		}
		version := r.PathValue("version")
		v, err := s.store.SetYanked(r.Context(), pkg.Name, version, yanked)
		if errors.Is(err, store.ErrNotFound) {
			return errorf(http.StatusNotFound, "%s@%s not found", pkg.Name, version)
		}
		if err != nil {
			return err
		}
		s.cache.invalidate(pkg.Name)
		s.log.Info("version "+kind, "package", pkg.Name, "version", version, "by", u.Username)
		s.feed.publish(registryapi.FeedEvent{Kind: kind, Package: pkg.Name, Version: version, Actor: u.Username, At: s.now().UTC()})
		writeJSON(w, http.StatusOK, registryapi.YankResponse{Name: pkg.Name, Version: v.Version, Yanked: v.Yanked})
		return nil
	}
}

func (s *Server) handleOwners(w http.ResponseWriter, r *http.Request) error {
	pkg, err := s.lookupPackage(r.Context(), r.PathValue("name"))
	if err != nil {
		return err
	}
	return s.writeOwners(w, r, pkg)
}

func (s *Server) writeOwners(w http.ResponseWriter, r *http.Request, pkg *store.Package) error {
	owners, err := s.store.Owners(r.Context(), pkg.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, registryapi.OwnerList{Package: pkg.Name, Owners: owners})
	return nil
}

func (s *Server) handleAddOwner(w http.ResponseWriter, r *http.Request) error {
	u, pkg, err := s.requireOwner(r)
	if err != nil {
		return err
	}
	var req registryapi.OwnerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	target, err := s.store.UserByName(r.Context(), req.Username)
	if errors.Is(err, store.ErrNotFound) {
		return errorf(http.StatusNotFound, "user %q not found", req.Username)
	}
	if err != nil {
		return err
	}
	if err := s.store.AddOwner(r.Context(), pkg.ID, target.ID); err != nil {
		return err
	}
	s.cache.invalidate(pkg.Name)
	s.log.Info("owner added", "package", pkg.Name, "owner", target.Username, "by", u.Username)
	return s.writeOwners(w, r, pkg)
}

func (s *Server) handleRemoveOwner(w http.ResponseWriter, r *http.Request) error {
	u, pkg, err := s.requireOwner(r)
	if err != nil {
		return err
	}
	name := r.PathValue("owner")
	target, err := s.store.UserByName(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		return errorf(http.StatusNotFound, "user %q not found", name)
	}
	if err != nil {
		return err
	}
	switch err := s.store.RemoveOwner(r.Context(), pkg.ID, target.ID); {
	case errors.Is(err, store.ErrNotFound):
		return errorf(http.StatusNotFound, "%s is not an owner of %s", target.Username, pkg.Name)
	case errors.Is(err, store.ErrLastOwner):
		return errorf(http.StatusBadRequest, "cannot remove %s: %s", target.Username, store.ErrLastOwner)
	case err != nil:
		return err
	}
	s.cache.invalidate(pkg.Name)
	s.log.Info("owner removed", "package", pkg.Name, "owner", target.Username, "by", u.Username)
	return s.writeOwners(w, r, pkg)
}

func publicUser(u *store.User) registryapi.User {
	return registryapi.User{ID: u.ID, Username: u.Username, Email: u.Email, CreatedAt: u.CreatedAt}
}
