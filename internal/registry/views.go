// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/apex-lang/apex/internal/registry/store"
	"github.com/apex-lang/apex/pkg/registryapi"
)

//go:embed templates/*.html
var templateFS embed.FS

var views = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type (
	indexView struct {
		Title    string
		Search   string
		Sort     string
		Total    int
		Packages []store.Summary
		PrevURL  string
		NextURL  string
	}

	packageView struct {
		Title  string
		Detail registryapi.PackageDetail
	}
)

func (s *Server) handleIndexView(w http.ResponseWriter, r *http.Request) {
	lq, err := listQuery(r)
	if err != nil {
		s.viewError(w, r, err)
		return
	}
	// The most recently updated match dates the whole listing.
	newest, _, err := s.store.ListPackages(r.Context(), store.ListQuery{Search: lq.Search, Sort: registryapi.SortUpdated, Page: 1, PerPage: 1})
	if err != nil {
		s.viewError(w, r, err)
		return
	}
	lastMod := s.started
	if len(newest) > 0 {
		lastMod = newest[0].UpdatedAt
	}
	if notModified(w, r, lastMod, r.URL.RawQuery) {
		return
	}

	rows, total, err := s.store.ListPackages(r.Context(), lq)
	if err != nil {
		s.viewError(w, r, err)
		return
	}
	v := indexView{Title: "Packages", Search: lq.Search, Sort: lq.Sort, Total: total, Packages: rows}
	if lq.Page > 1 {
		v.PrevURL = pageURL(r.URL, lq.Page-1)
	}
	if lq.Page*lq.PerPage < total {
		v.NextURL = pageURL(r.URL, lq.Page+1)
	}
	s.render(w, r, "index", v)
}

func (s *Server) handlePackageView(w http.ResponseWriter, r *http.Request) {
	d, err := s.detail(r.Context(), r.PathValue("name"))
	if err != nil {
		s.viewError(w, r, err)
		return
	}
	// Owners are part of the validator so that a change within the same
	// second as the last one still revalidates.
	if notModified(w, r, d.UpdatedAt, r.URL.RawQuery+"|owners="+strings.Join(d.Owners, ",")) {
		return
	}
	s.render(w, r, "package", packageView{Title: d.Name, Detail: d})
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, data any) {
	var buf bytes.Buffer
	if err := views.ExecuteTemplate(&buf, name, data); err != nil {
		s.viewError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = buf.WriteTo(w)
}

func (s *Server) viewError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("view failed", "path", r.URL.Path, "err", err)
	}
	w.Header().Del("Last-Modified")
	w.Header().Del("ETag")
	http.Error(w, msg, status)
}

// weakETag derives a validator from the modification time and the
// representation variant (query and page-specific state), so that each
// filtered or paged view has its own tag.
func weakETag(lastMod time.Time, variant string) string {
	return fmt.Sprintf(`W/"%016x"`, xxhash.Sum64String(lastMod.UTC().Format(http.TimeFormat)+"|"+variant))
}

// notModified sets the cache validators and answers 304 when the client's
// copy is current. If-None-Match takes precedence over If-Modified-Since.
func notModified(w http.ResponseWriter, r *http.Request, lastMod time.Time, variant string) bool {
	lastMod = lastMod.UTC().Truncate(time.Second)
	etag := weakETag(lastMod, variant)
	h := w.Header()
	h.Set("Last-Modified", lastMod.Format(http.TimeFormat))
	h.Set("ETag", etag)
	h.Set("Cache-Control", "no-cache")

	if inm := r.Header.Get("If-None-Match"); inm != "" {
		if etagMatches(inm, etag) {
			w.WriteHeader(http.StatusNotModified)
			return true
		}
		return false
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !lastMod.After(t) {
			w.WriteHeader(http.StatusNotModified)
			return true
		}
	}
	return false
}

// etagMatches applies the weak comparison of an If-None-Match list.
func etagMatches(header, etag string) bool {
	want := strings.TrimPrefix(etag, "W/")
	for tag := range strings.SplitSeq(header, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" || strings.TrimPrefix(tag, "W/") == want {
			return true
		}
	}
	return false
}

func pageURL(u *url.URL, page int) string {
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	return "/?" + q.Encode()
}
