// SPDX-License-Identifier: MPL-2.0

// Package archive packs project directories into .apkg archives (gzip
// compressed POSIX tar) and unpacks them with strict path safety rules.
package archive

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Extension is the canonical archive file extension.
const Extension = ".apkg"

var (
	// ErrUnsafeArchiveEntry is the sentinel error wrapped by UnsafeEntryError.
	ErrUnsafeArchiveEntry = errors.New("unsafe archive entry")
	// ErrArchiveFormat is the sentinel error wrapped by FormatError.
	ErrArchiveFormat = errors.New("malformed archive")
)

// skippedDirs are never packed, at any depth.
var skippedDirs = map[string]struct{}{
	"target": {},
	".git":   {},
}

type (
	// UnsafeEntryError reports an entry that could escape the destination.
	UnsafeEntryError struct {
		Name   string
		Reason string
	}

	// FormatError reports a gzip or tar decoding failure.
	FormatError struct {
		Err error
	}
)

// Error implements the error interface.
func (e *UnsafeEntryError) Error() string {
	return fmt.Sprintf("unsafe archive entry %q: %s", e.Name, e.Reason)
}

// Unwrap returns ErrUnsafeArchiveEntry so callers can use errors.Is for programmatic detection.
func (e *UnsafeEntryError) Unwrap() error { return ErrUnsafeArchiveEntry }

// Error implements the error interface.
func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed archive: %v", e.Err)
}

// Unwrap returns both ErrArchiveFormat and the decoding error.
func (e *FormatError) Unwrap() []error { return []error{ErrArchiveFormat, e.Err} }

// FileName returns the canonical archive name for a package version.
func FileName(name, version string) string {
	return name + "-" + version + Extension
}

// Checksum returns the lowercase hex SHA-256 of archive bytes, which is the
// archive's identity everywhere it is stored or transferred.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Create packs root into an in-memory archive.
func Create(root string) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write packs every regular file under root into w. Directories named
// target or .git are skipped along with their whole subtree. Entries carry
// slash-separated relative paths and a fixed timestamp so identical trees
// produce identical bytes.
func Write(w io.Writer, root string) (err error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve archive root: %w", err)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	defer func() {
		if closeErr := tw.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if closeErr := gz.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if _, skip := skippedDirs[d.Name()]; skip && p != absRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, relErr := filepath.Rel(absRoot, p)
		if relErr != nil {
			return fmt.Errorf("failed to get relative path: %w", relErr)
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return fmt.Errorf("failed to get file info: %w", infoErr)
		}
		return addFile(tw, p, filepath.ToSlash(rel), info)
	})
}

func addFile(tw *tar.Writer, src, name string, info fs.FileInfo) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = f.Close() }()

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  time.Unix(0, 0).UTC(),
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// Entry describes one member of an archive.
type Entry struct {
	Name string
	Mode fs.FileMode
	Size int64
	Dir  bool
}

// Validate checks that every entry in data is safe to extract without
// writing anything, and returns the entries in archive order.
func Validate(data []byte) ([]Entry, error) {
	var entries []Entry
	err := walk(bytes.NewReader(data), func(hdr *tar.Header, name string, _ io.Reader) error {
		entries = append(entries, Entry{
			Name: name,
			Mode: fs.FileMode(hdr.Mode).Perm(),
			Size: hdr.Size,
			Dir:  hdr.Typeflag == tar.TypeDir,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Extract unpacks data into dest.
func Extract(data []byte, dest string) error {
	return ExtractReader(bytes.NewReader(data), dest)
}

// ExtractReader streams an archive from r into dest, creating intermediate
// directories and writing each file with its recorded mode. It stops at the
// first unsafe entry; files written before that point are left in place and
// callers should treat dest as untrusted.
func ExtractReader(r io.Reader, dest string) error {
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("failed to resolve destination directory: %w", err)
	}
	if err := os.MkdirAll(absDest, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	return walk(r, func(hdr *tar.Header, name string, body io.Reader) error {
		destPath := filepath.Join(absDest, filepath.FromSlash(name))

		rel, relErr := filepath.Rel(absDest, destPath)
		if relErr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return &UnsafeEntryError{Name: hdr.Name, Reason: "resolves outside the destination"}
		}

		if hdr.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			return nil
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}
		return extractFile(body, destPath, fileMode(hdr))
	})
}

func fileMode(hdr *tar.Header) fs.FileMode {
	mode := fs.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		return 0o644
	}
	return mode
}

func extractFile(body io.Reader, destPath string, mode fs.FileMode) (err error) {
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if _, err = io.Copy(out, body); err != nil {
		return fmt.Errorf("failed to write %s: %w", destPath, err)
	}
	// OpenFile honors the umask; apply the recorded mode exactly.
	return os.Chmod(destPath, mode)
}

// walk decodes the archive and calls fn for every directory and regular file
// entry after the safety rules have accepted it.
func walk(r io.Reader, fn func(hdr *tar.Header, name string, body io.Reader) error) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return &FormatError{Err: err}
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &FormatError{Err: err}
		}

		name, err := checkEntry(hdr)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}
		if err := fn(hdr, name, tr); err != nil {
			var fe *FormatError
			if errors.As(err, &fe) {
				return err
			}
			if isDecodeError(err) {
				return &FormatError{Err: err}
			}
			return err
		}
	}
}

// isDecodeError reports whether err came from reading a truncated or corrupt
// stream while copying an entry body.
func isDecodeError(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, gzip.ErrChecksum) ||
		errors.Is(err, gzip.ErrHeader) || errors.Is(err, tar.ErrHeader)
}

// checkEntry applies the path rules and returns the cleaned entry name.
// An empty name means the entry should be skipped (the "." root directory
// or PAX metadata).
func checkEntry(hdr *tar.Header) (string, error) {
	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeDir:
	case tar.TypeXGlobalHeader, tar.TypeXHeader:
		return "", nil
	case tar.TypeSymlink:
		return "", &UnsafeEntryError{Name: hdr.Name, Reason: "symlinks are not allowed"}
	case tar.TypeLink:
		return "", &UnsafeEntryError{Name: hdr.Name, Reason: "hard links are not allowed"}
	default:
		return "", &UnsafeEntryError{Name: hdr.Name, Reason: fmt.Sprintf("unsupported entry type %q", hdr.Typeflag)}
	}

	name := hdr.Name
	if name == "" {
		return "", &UnsafeEntryError{Name: name, Reason: "empty path"}
	}
	if strings.Contains(name, `\`) {
		return "", &UnsafeEntryError{Name: name, Reason: "backslash in path"}
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", &UnsafeEntryError{Name: name, Reason: "absolute path"}
	}
	for seg := range strings.SplitSeq(name, "/") {
		if seg == ".." {
			return "", &UnsafeEntryError{Name: name, Reason: "parent directory segment"}
		}
	}

	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}
