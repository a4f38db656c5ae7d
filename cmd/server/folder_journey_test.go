package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/damacus/iron-folders/internal/archive"
	"github.com/damacus/iron-folders/internal/config"
	"github.com/damacus/iron-folders/internal/models"
	"github.com/damacus/iron-folders/internal/services"
	"github.com/damacus/iron-folders/internal/tree"
	"github.com/damacus/iron-folders/internal/utils"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSessionKey = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	cfg := &config.Config{
		Backend: config.BackendConfig{Kind: "memory", PageSize: 2},
		Tree:    config.TreeConfig{BatchSize: 2, MaxDescendants: tree.DefaultOptions().MaxDescendants},
		Archive: config.ArchiveConfig{BatchSize: 2, MaxBytes: archive.DefaultOptions().MaxBytes},
	}
	factory, err := services.NewStoreFactory(cfg.FactoryConfig())
	require.NoError(t, err)
	return newServer(cfg, factory, services.NewSessionService(testSessionKey))
}

func login(t *testing.T, e *echo.Echo) *http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader(`{"container":"docs","bearerToken":"tok"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for _, c := range rec.Result().Cookies() {
		if c.Name == utils.CookieName {
			return c
		}
	}
	t.Fatal("no session cookie")
	return nil
}

// browser replays the session and CSRF cookies the way a browser would.
type browser struct {
	t       *testing.T
	e       *echo.Echo
	session *http.Cookie
	csrf    string
}

func newBrowser(t *testing.T, e *echo.Echo) *browser {
	b := &browser{t: t, e: e, session: login(t, e)}

	rec := b.send(http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	for _, c := range rec.Result().Cookies() {
		if c.Name == "csrf" {
			b.csrf = c.Value
		}
	}
	require.NotEmpty(t, b.csrf)
	return b
}

func (b *browser) send(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.AddCookie(b.session)
	if b.csrf != "" {
		req.AddCookie(&http.Cookie{Name: "csrf", Value: b.csrf})
		req.Header.Set("X-CSRF-Token", b.csrf)
	}
	rec := httptest.NewRecorder()
	b.e.ServeHTTP(rec, req)
	return rec
}

func TestFolderJourney(t *testing.T) {
	e := newTestServer(t)
	b := newBrowser(t, e)
	const api = "/api/containers/docs"

	// Build a small tree
	rec := b.send(http.MethodPost, api+"/folders", `{"prefix":"reports/2024"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = b.send(http.MethodPost, api+"/folders", `{"prefix":"archive"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = b.send(http.MethodGet, api+"/children", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var root models.ListingPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &root))
	var prefixes []string
	for _, f := range root.Folders {
		prefixes = append(prefixes, f.Prefix)
	}
	assert.Equal(t, []string{"archive/", "reports/"}, prefixes)

	// Move reports under archive
	rec = b.send(http.MethodPost, api+"/transfer", `{"items":[{"path":"reports/","isFolder":true}],"destination":"archive/","mode":"move"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var bulk models.BulkResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bulk))
	require.Len(t, bulk.Outcomes, 1)
	assert.Equal(t, models.StatusMoved, bulk.Outcomes[0].Status)
	assert.Equal(t, "archive/reports/", bulk.Outcomes[0].Destination)

	// A rerun finds nothing left to move
	rec = b.send(http.MethodPost, api+"/folders/rename", `{"source":"reports/","destination":"archive/reports/"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var again models.TreeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.True(t, again.SourceEmpty)

	// The moved placeholder keeps the empty folder visible
	rec = b.send(http.MethodGet, api+"/children?prefix=archive/reports/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"archive/reports/2024/"`)

	// Placeholders never end up in archives
	rec = b.send(http.MethodGet, api+"/zip?prefix=archive", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = b.send(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ironfolders_tree_batches_total")
}

func TestArchiveJourney(t *testing.T) {
	e := newTestServer(t)
	b := newBrowser(t, e)

	rec := b.send(http.MethodPost, "/api/containers/docs/folders", `{"prefix":"pack"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		require.NoError(t, uploadVia(b, "pack", name, "body of "+name))
	}

	rec = b.send(http.MethodGet, "/api/containers/docs/zip?prefix=pack", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, names)
}

func uploadVia(b *browser, prefix, name, body string) error {
	var buf bytes.Buffer
	mw := newMultipart(&buf, name, body)
	req := httptest.NewRequest(http.MethodPost, "/api/containers/docs/objects?prefix="+prefix, &buf)
	req.Header.Set(echo.HeaderContentType, mw)
	req.AddCookie(b.session)
	req.AddCookie(&http.Cookie{Name: "csrf", Value: b.csrf})
	req.Header.Set("X-CSRF-Token", b.csrf)
	rec := httptest.NewRecorder()
	b.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		return fmt.Errorf("upload %s: %d %s", name, rec.Code, rec.Body.String())
	}
	return nil
}
