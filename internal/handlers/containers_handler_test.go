package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/damacus/iron-folders/internal/archive"
	"github.com/damacus/iron-folders/internal/models"
	"github.com/damacus/iron-folders/internal/services"
	"github.com/damacus/iron-folders/internal/tree"
	"github.com/damacus/iron-folders/internal/utils"
	"github.com/klauspost/compress/zip"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type containersFixture struct {
	e     *echo.Echo
	store *services.MemoryStore
}

func newContainersFixture(t *testing.T, keys ...string) *containersFixture {
	t.Helper()
	factory := newMemoryFactory(t, 2)
	cred := services.Credential{BearerToken: "tok"}

	raw, err := factory.NewStore(cred, "docs")
	require.NoError(t, err)
	store := raw.(*services.MemoryStore)
	for _, k := range keys {
		require.NoError(t, store.Put(t.Context(), k, strings.NewReader("data:"+k), 0, services.PutOptions{}))
	}

	h := NewContainersHandler(factory, tree.Options{BatchSize: 2, MaxDescendants: 100}, archive.DefaultOptions())
	e := echo.New()
	e.Validator = NewValidator()
	e.HTTPErrorHandler = HTTPErrorHandler

	api := e.Group("/api/containers/:container", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(utils.ContextKeyCreds, &cred)
			return next(c)
		}
	})
	api.GET("/children", h.Children)
	api.GET("/search", h.Search)
	api.GET("/stats", h.Stats)
	api.GET("/usage", h.Usage)
	api.POST("/folders", h.CreateFolder)
	api.POST("/folders/rename", h.RenameFolder)
	api.POST("/folders/copy", h.CopyFolder)
	api.POST("/folders/delete", h.DeleteFolder)
	api.POST("/transfer", h.Transfer)
	api.POST("/objects/rename", h.RenameFile)
	api.POST("/objects", h.Upload)
	api.GET("/objects", h.Download)
	api.DELETE("/objects", h.DeleteObject)
	api.GET("/zip", h.DownloadZip)
	api.POST("/zip", h.DownloadSelection)
	api.POST("/share", h.Share)

	return &containersFixture{e: e, store: store}
}

func (f *containersFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "/api/containers/docs"+path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestChildren_ListsFoldersAndFiles(t *testing.T) {
	f := newContainersFixture(t, "reports/q1.csv", "reports/2024/a.csv", "reports/empty/.keep", "top.txt")

	rec := f.do(http.MethodGet, "/children?prefix=reports", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[childrenResponse](t, rec)
	assert.Equal(t, "reports/", resp.Prefix)
	require.Len(t, resp.Breadcrumbs, 1)
	assert.Equal(t, "reports/", resp.Breadcrumbs[0].Path)

	var folders []string
	for _, fo := range resp.Folders {
		folders = append(folders, fo.Prefix)
	}
	assert.Equal(t, []string{"reports/2024/", "reports/empty/"}, folders)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, "reports/q1.csv", resp.Files[0].Key)
}

func TestSearchAndStats(t *testing.T) {
	f := newContainersFixture(t, "a/report.csv", "a/b/report-old.csv", "a/notes.txt")

	rec := f.do(http.MethodGet, "/search?prefix=a/&q=report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	found := decode[map[string][]models.FileItem](t, rec)["files"]
	assert.Len(t, found, 2)

	rec = f.do(http.MethodGet, "/stats?prefix=a/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[models.FolderStats](t, rec)
	assert.Equal(t, 3, stats.Files)
	assert.NotEmpty(t, stats.FormattedSize)

	rec = f.do(http.MethodGet, "/usage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[models.FolderStats](t, rec).Files)
}

func TestCreateFolder(t *testing.T) {
	f := newContainersFixture(t)

	rec := f.do(http.MethodPost, "/folders", `{"prefix":"new/sub"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "new/sub/", decode[models.FolderItem](t, rec).Prefix)
	assert.Contains(t, f.store.Keys(), "new/sub/.keep")

	rec = f.do(http.MethodPost, "/folders", `{"prefix":".system/x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRenameFolder_MovesSubtree(t *testing.T) {
	f := newContainersFixture(t, "reports/a.csv", "reports/x/b.csv", "other.txt")

	rec := f.do(http.MethodPost, "/folders/rename", `{"source":"reports/","destination":"archive/reports/"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[models.TreeResult](t, rec)
	assert.Equal(t, 2, res.Copied)
	assert.Equal(t, 2, res.Deleted)
	assert.Equal(t, []string{"archive/reports/a.csv", "archive/reports/x/b.csv", "other.txt"}, f.store.Keys())
}

func TestRenameFolder_RejectsMoveIntoItself(t *testing.T) {
	f := newContainersFixture(t, "a/f.txt")

	rec := f.do(http.MethodPost, "/folders/rename", `{"source":"a/","destination":"a/b/"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid", decode[errorBody](t, rec).Kind)
	assert.Equal(t, []string{"a/f.txt"}, f.store.Keys())
}

func TestCopyAndDeleteFolder(t *testing.T) {
	f := newContainersFixture(t, "src/1", "src/2", "src/3")

	rec := f.do(http.MethodPost, "/folders/copy", `{"source":"src","destination":"dst"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[models.TreeResult](t, rec).Copied)

	rec = f.do(http.MethodPost, "/folders/delete", `{"prefix":"src"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[models.TreeResult](t, rec).Deleted)
	assert.Equal(t, []string{"dst/1", "dst/2", "dst/3"}, f.store.Keys())
}

func TestTransfer_ReportsPerItemOutcomes(t *testing.T) {
	f := newContainersFixture(t, "a.txt", "b.txt", "in/b.txt")

	body := `{"items":[{"path":"a.txt"},{"path":"b.txt"}],"destination":"in/","mode":"move","onConflict":"skip"}`
	rec := f.do(http.MethodPost, "/transfer", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[models.BulkResult](t, rec)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, models.StatusMoved, res.Outcomes[0].Status)
	assert.Equal(t, models.StatusSkipped, res.Outcomes[1].Status)
	assert.Nil(t, res.FirstFailure)
	assert.Equal(t, []string{"b.txt", "in/a.txt", "in/b.txt"}, f.store.Keys())
}

func TestTransfer_FailureIsMultiStatus(t *testing.T) {
	f := newContainersFixture(t, "a.txt")

	rec := f.do(http.MethodPost, "/transfer", `{"items":[{"path":"missing.txt"},{"path":"a.txt"}],"destination":"in/","mode":"copy"}`)
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())

	res := decode[models.BulkResult](t, rec)
	require.NotNil(t, res.FirstFailure)
	assert.Equal(t, "missing.txt", res.FirstFailure.Source)
	assert.Equal(t, models.StatusCopied, res.Outcomes[1].Status)
}

func TestTransfer_ValidatesRequest(t *testing.T) {
	f := newContainersFixture(t)

	for _, body := range []string{
		`{"items":[],"mode":"copy"}`,
		`{"items":[{"path":"a"}],"mode":"teleport"}`,
		`{"items":[{"path":"a"}],"mode":"copy","onConflict":"maybe"}`,
	} {
		rec := f.do(http.MethodPost, "/transfer", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestRenameFile(t *testing.T) {
	f := newContainersFixture(t, "a.txt")

	rec := f.do(http.MethodPost, "/objects/rename", `{"source":"a.txt","destination":"b.txt"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"b.txt"}, f.store.Keys())

	rec = f.do(http.MethodPost, "/objects/rename", `{"source":"nope.txt","destination":"c.txt"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadDownloadDelete(t *testing.T) {
	f := newContainersFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "photo.png")
	require.NoError(t, err)
	_, _ = part.Write([]byte("pngdata"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/containers/docs/objects?prefix=pics", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "pics/photo.png", decode[map[string]string](t, rec)["key"])

	rec = f.do(http.MethodGet, "/objects?key=pics/photo.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pngdata", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), `"photo.png"`)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req = httptest.NewRequest(http.MethodGet, "/api/containers/docs/objects?key=pics/photo.png", nil)
	req.Header.Set("If-Match", `"stale"`)
	rec = httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodDelete, "/objects?key=pics/photo.png", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, f.store.Keys())

	rec = f.do(http.MethodGet, "/objects?key=pics/photo.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string]string)
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		out[zf.Name] = string(b)
	}
	return out
}

func TestDownloadZip(t *testing.T) {
	f := newContainersFixture(t, "trips/2024/a.jpg", "trips/2024/day1/b.jpg", "trips/2024/.keep", "trips/other.jpg")

	rec := f.do(http.MethodGet, "/zip?prefix=trips/2024", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/zip", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), `"2024.zip"`)

	assert.Equal(t, map[string]string{
		"a.jpg":      "data:trips/2024/a.jpg",
		"day1/b.jpg": "data:trips/2024/day1/b.jpg",
	}, readZip(t, rec.Body.Bytes()))

	rec = f.do(http.MethodGet, "/zip?prefix=nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadSelection(t *testing.T) {
	f := newContainersFixture(t, "p/a.txt", "p/sub/b.txt", "p/c.txt")

	body := `{"base":"p/","items":[{"path":"p/sub/","isFolder":true},{"path":"p/a.txt"},{"path":"p/sub/b.txt"}]}`
	rec := f.do(http.MethodPost, "/zip", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, map[string]string{
		"sub/b.txt": "data:p/sub/b.txt",
		"a.txt":     "data:p/a.txt",
	}, readZip(t, rec.Body.Bytes()))
}

func TestShare_MemoryBackendCannotShare(t *testing.T) {
	f := newContainersFixture(t, "a.txt")

	rec := f.do(http.MethodPost, "/share", `{"path":"a.txt"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "signature_or_config", decode[errorBody](t, rec).Kind)
}

func TestShare_Validates(t *testing.T) {
	f := newContainersFixture(t)

	rec := f.do(http.MethodPost, "/share", `{"expiresIn":60}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid", decode[errorBody](t, rec).Kind)
}

func TestShare_IPRestriction(t *testing.T) {
	f := newContainersFixture(t, "a.txt")

	// Well-formed restrictions get past validation and stop at the sharer.
	for _, ip := range []string{"10.0.0.1", "10.0.0.1-10.0.0.9"} {
		rec := f.do(http.MethodPost, "/share", `{"path":"a.txt","ip":"`+ip+`"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, ip)
		assert.Equal(t, "signature_or_config", decode[errorBody](t, rec).Kind, ip)
	}

	for _, ip := range []string{"10.0.0.0/24", "10.0.0.9-10.0.0.1", "nowhere"} {
		rec := f.do(http.MethodPost, "/share", `{"path":"a.txt","ip":"`+ip+`"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, ip)
		assert.Equal(t, "invalid", decode[errorBody](t, rec).Kind, ip)
	}
}

func TestGetContentTypeFromExt(t *testing.T) {
	assert.Equal(t, "image/jpeg", getContentTypeFromExt("A.JPG"))
	assert.Equal(t, "text/csv", getContentTypeFromExt("q1.csv"))
	assert.Equal(t, "application/octet-stream", getContentTypeFromExt("blob"))
}
