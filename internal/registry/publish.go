// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/apex-lang/apex/internal/registry/blob"
	"github.com/apex-lang/apex/internal/registry/store"
	"github.com/apex-lang/apex/pkg/archive"
	"github.com/apex-lang/apex/pkg/manifest"
	"github.com/apex-lang/apex/pkg/registryapi"
)

// multipartSlack covers part headers and boundaries on top of the part caps.
const multipartSlack = 64 << 10

type (
	// publishForm is the decoded multipart body of a publish request.
	publishForm struct {
		manifest     []byte
		manifestJSON []byte
		tarball      []byte
	}

	// canonicalManifest is the subset of manifest_json the registry reads.
	canonicalManifest struct {
		Package      manifest.PackageInfo `json:"package"`
		Dependencies map[string]string    `json:"dependencies"`
		Targets      json.RawMessage      `json:"targets"`
	}

	// partTooLargeError marks a part that exceeded its cap.
	partTooLargeError struct {
		part  string
		limit int64
	}
)

func (e *partTooLargeError) Error() string {
	return fmt.Sprintf("%s exceeds %d bytes", e.part, e.limit)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) error {
	u, err := s.requireUser(r)
	if err != nil {
		return err
	}
	want := strings.ToLower(strings.TrimSpace(r.Header.Get(registryapi.HeaderChecksum)))
	if want == "" {
		return errorf(http.StatusBadRequest, "missing %s header", registryapi.HeaderChecksum)
	}

	form, err := s.readPublishForm(w, r)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(form.tarball)
	got := hex.EncodeToString(sum[:])
	if got != want {
		return errorf(http.StatusBadRequest, "checksum mismatch: header %s, tarball %s", want, got)
	}

	m, err := manifest.Parse(form.manifest)
	if err != nil {
		return errorf(http.StatusBadRequest, "invalid manifest: %v", err)
	}
	if err := m.Validate(); err != nil {
		return errorf(http.StatusBadRequest, "invalid manifest: %v", err)
	}
	canonical, canonicalJSON, err := canonicalize(m, form.manifestJSON)
	if err != nil {
		return err
	}
	if canonical.Package.Language != manifest.DefaultLanguage {
		return errorf(http.StatusBadRequest, "unsupported package language %q: only %q packages are accepted",
			canonical.Package.Language, manifest.DefaultLanguage)
	}

	if _, err := archive.Validate(form.tarball); err != nil {
		return errorf(http.StatusBadRequest, "invalid archive: %v", err)
	}

	name, version := canonical.Package.Name, canonical.Package.Version
	metadata, err := json.Marshal(canonical.Package)
	if err != nil {
		return err
	}
	// The stored filename is always derived from the manifest; the
	// client's multipart filename is ignored.
	filename := archive.FileName(name, version)

	key := blob.Key(name, version)
	wrote := false
	_, err = s.store.Publish(r.Context(), store.PublishInput{
		Name:         name,
		Description:  canonical.Package.Description,
		MetadataJSON: metadata,
		Version:      version,
		Checksum:     got,
		ManifestJSON: canonicalJSON,
		TargetsJSON:  canonical.Targets,
		Filename:     filename,
		UserID:       u.ID,
	}, func(ctx context.Context) (string, int64, error) {
		if err := s.blobs.Put(ctx, key, form.tarball); err != nil {
			return "", 0, fmt.Errorf("store archive: %w", err)
		}
		wrote = true
		return key, int64(len(form.tarball)), nil
	})
	if err != nil {
		if wrote {
			// The transaction did not commit; the stored archive belongs to no version.
			if derr := s.blobs.Delete(context.WithoutCancel(r.Context()), key); derr != nil {
				s.log.Warn("orphaned archive", "key", key, "err", derr)
			}
		}
		switch {
		case errors.Is(err, store.ErrNotOwner):
			return errorf(http.StatusConflict, "package %s is owned by another user", name)
		case errors.Is(err, store.ErrConflict):
			return errorf(http.StatusConflict, "%s@%s already exists", name, version)
		}
		return err
	}

	s.cache.invalidate(name)
	s.log.Info("published", "package", name, "version", version, "by", u.Username, "bytes", len(form.tarball))
	s.feed.publish(registryapi.FeedEvent{
		Kind: registryapi.EventPublish, Package: name, Version: version, Actor: u.Username, At: s.now().UTC(),
	})
	writeJSON(w, http.StatusOK, registryapi.PublishResponse{Name: name, Version: version})
	return nil
}

// readPublishForm streams the multipart body, enforcing the per-part caps.
// The whole body is bounded too, so unknown parts cannot grow it without limit.
func (s *Server) readPublishForm(w http.ResponseWriter, r *http.Request) (*publishForm, error) {
	r.Body = http.MaxBytesReader(w, r.Body, 2*s.manifestLimit+s.tarballLimit+multipartSlack)
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, errorf(http.StatusBadRequest, "expected a multipart/form-data body: %v", err)
	}

	var form publishForm
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, partError(err)
		}
		switch part.FormName() {
		case registryapi.PartManifest:
			form.manifest, err = readPart(part, s.manifestLimit)
		case registryapi.PartManifestJSON:
			form.manifestJSON, err = readPart(part, s.manifestLimit)
		case registryapi.PartTarball:
			form.tarball, err = readPart(part, s.tarballLimit)
		default:
			_, err = io.Copy(io.Discard, part)
		}
		_ = part.Close()
		if err != nil {
			return nil, partError(err)
		}
	}

	if form.manifest == nil {
		return nil, errorf(http.StatusBadRequest, "missing %q part", registryapi.PartManifest)
	}
	if form.tarball == nil {
		return nil, errorf(http.StatusBadRequest, "missing %q part", registryapi.PartTarball)
	}
	return &form, nil
}

func readPart(p *multipart.Part, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(p, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &partTooLargeError{part: p.FormName(), limit: limit}
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func partError(err error) error {
	var (
		tooLarge *partTooLargeError
		maxBytes *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooLarge):
		return errorf(http.StatusRequestEntityTooLarge, "%s", tooLarge)
	case errors.As(err, &maxBytes):
		return errorf(http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", maxBytes.Limit)
	default:
		return errorf(http.StatusBadRequest, "malformed multipart body: %v", err)
	}
}

// canonicalize returns the canonical manifest document. A client-supplied
// manifest_json wins but must describe the same package as the TOML.
func canonicalize(m *manifest.Manifest, supplied []byte) (*canonicalManifest, []byte, error) {
	raw := supplied
	if len(bytes.TrimSpace(raw)) == 0 {
		derived, err := m.JSON()
		if err != nil {
			return nil, nil, err
		}
		raw = derived
	}
	var doc canonicalManifest
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, errorf(http.StatusBadRequest, "invalid manifest_json: %v", err)
	}
	if doc.Package.Name != m.Package.Name || doc.Package.Version != m.Package.Version {
		return nil, nil, errorf(http.StatusBadRequest, "manifest_json describes %s@%s but the manifest describes %s@%s",
			doc.Package.Name, doc.Package.Version, m.Package.Name, m.Package.Version)
	}
	if doc.Package.Language == "" {
		doc.Package.Language = manifest.DefaultLanguage
	}
	if len(doc.Targets) == 0 || bytes.Equal(doc.Targets, []byte("null")) {
		doc.Targets = json.RawMessage("{}")
	}
	return &doc, raw, nil
}
