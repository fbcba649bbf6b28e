// SPDX-License-Identifier: MPL-2.0

package project

import (
	"context"
	"fmt"
	"os"

	"github.com/apex-lang/apex/internal/issue"
	"github.com/apex-lang/apex/pkg/archive"
	"github.com/apex-lang/apex/pkg/manifest"
	"github.com/apex-lang/apex/pkg/registryapi"
	"github.com/apex-lang/apex/pkg/registryclient"
)

// Publisher uploads archives to a registry.
type Publisher interface {
	Publish(ctx context.Context, req registryclient.PublishRequest) (*registryapi.PublishResponse, error)
}

// PublishRequest builds the upload for the project: the archive of the
// project tree (without target/ and .git/), the manifest source and its
// normalized JSON form.
func (p *Project) PublishRequest() (*registryclient.PublishRequest, error) {
	m := p.Manifest
	if err := m.Validate(); err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("validate manifest").
			WithResource(m.Path()).
			WithKind(issue.ManifestInvalidId).
			Wrap(err).
			BuildError()
	}
	if m.Language() != manifest.DefaultLanguage {
		return nil, fmt.Errorf("only %q packages can be published, %s declares %q",
			manifest.DefaultLanguage, m.Package.Name, m.Language())
	}

	text, err := os.ReadFile(m.Path())
	if err != nil {
		return nil, issue.WrapWithResource(err, "read manifest", m.Path())
	}
	if len(text) > registryapi.ManifestLimit {
		return nil, fmt.Errorf("manifest is %d bytes, the registry accepts at most %d", len(text), registryapi.ManifestLimit)
	}
	manifestJSON, err := m.JSON()
	if err != nil {
		return nil, err
	}

	data, err := archive.Create(p.Root())
	if err != nil {
		return nil, issue.WrapWithResource(err, "archive project", p.Root())
	}
	if len(data) > registryapi.TarballLimit {
		return nil, fmt.Errorf("archive is %d bytes, the registry accepts at most %d", len(data), registryapi.TarballLimit)
	}

	return &registryclient.PublishRequest{
		Name:         m.Package.Name,
		Version:      m.Package.Version,
		Archive:      data,
		ManifestText: text,
		ManifestJSON: manifestJSON,
	}, nil
}

// Publish archives the project and uploads it.
func (p *Project) Publish(ctx context.Context, pub Publisher) (*registryapi.PublishResponse, error) {
	req, err := p.PublishRequest()
	if err != nil {
		return nil, err
	}
	p.log.Debug("publishing", "package", req.Name, "version", req.Version, "bytes", len(req.Archive))

	resp, err := pub.Publish(ctx, *req)
	if err != nil {
		b := issue.NewErrorContext().
			WithOperation("publish package").
			WithResource(req.Name + "@" + req.Version).
			Wrap(err)
		switch {
		case registryclient.IsConflict(err):
			b.WithKind(issue.RegistryConflictId)
		case registryclient.StatusOf(err) == 0:
			// No HTTP status: the registry was never reached.
			b.WithKind(issue.RegistryUnavailableId)
		}
		return nil, b.BuildError()
	}
	return resp, nil
}
