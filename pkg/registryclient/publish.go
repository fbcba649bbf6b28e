// SPDX-License-Identifier: MPL-2.0

package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/apex-lang/apex/pkg/archive"
	"github.com/apex-lang/apex/pkg/registryapi"
)

// PublishRequest is the content of a publish.
type PublishRequest struct {
	Name    string
	Version string
	// Archive is the .apkg bytes.
	Archive []byte
	// ManifestText is the Apex.toml source.
	ManifestText []byte
	// ManifestJSON is the machine-normalized manifest. Optional.
	ManifestJSON []byte
}

// Publish uploads an archive. The X-Checksum header is the SHA-256 of the
// archive bytes.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (*registryapi.PublishResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := writePart(mw, registryapi.PartManifest, "Apex.toml", "application/toml", req.ManifestText); err != nil {
		return nil, err
	}
	if len(req.ManifestJSON) > 0 {
		if err := writePart(mw, registryapi.PartManifestJSON, "", "application/json", req.ManifestJSON); err != nil {
			return nil, err
		}
	}
	filename := archive.FileName(req.Name, req.Version)
	if err := writePart(mw, registryapi.PartTarball, filename, "application/gzip", req.Archive); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/packages/publish", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set(registryapi.HeaderChecksum, archive.Checksum(req.Archive))

	resp, err := c.send(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out registryapi.PublishResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode publish response: %w", err)
	}
	return &out, nil
}

func writePart(mw *multipart.Writer, name, filename, contentType string, data []byte) error {
	h := make(textproto.MIMEHeader)
	disposition := fmt.Sprintf(`form-data; name=%q`, name)
	if filename != "" {
		disposition += fmt.Sprintf(`; filename=%q`, filename)
	}
	h.Set("Content-Disposition", disposition)
	h.Set("Content-Type", contentType)

	w, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s part: %w", name, err)
	}
	return nil
}
