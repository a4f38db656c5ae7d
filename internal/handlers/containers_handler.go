package handlers

import (
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/archive"
	"github.com/damacus/iron-folders/internal/models"
	"github.com/damacus/iron-folders/internal/namespace"
	"github.com/damacus/iron-folders/internal/services"
	"github.com/damacus/iron-folders/internal/tree"
	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// DefaultShareTTL applies when a share request names no expiry.
const DefaultShareTTL = time.Hour

type ContainersHandler struct {
	factory     services.StoreFactory
	treeOpts    tree.Options
	archiveOpts archive.Options
}

func NewContainersHandler(factory services.StoreFactory, treeOpts tree.Options, archiveOpts archive.Options) *ContainersHandler {
	return &ContainersHandler{factory: factory, treeOpts: treeOpts, archiveOpts: archiveOpts}
}

// session bundles what one request needs to touch a container.
type session struct {
	cred      *services.Credential
	container string
	store     services.ObjectStore
	ns        *namespace.Adapter
}

func (h *ContainersHandler) open(c echo.Context) (*session, error) {
	creds, err := GetCredentials(c)
	if err != nil {
		return nil, err
	}
	container := c.Param("container")
	store, err := h.factory.NewStore(*creds, container)
	if err != nil {
		return nil, err
	}
	return &session{cred: creds, container: container, store: store, ns: namespace.New(store)}, nil
}

func (s *session) engine(opts tree.Options) *tree.Engine {
	return tree.New(s.ns, opts)
}

type childrenResponse struct {
	Container   string              `json:"container"`
	Prefix      string              `json:"prefix"`
	Breadcrumbs []models.Breadcrumb `json:"breadcrumbs"`
	models.ListingPage
}

// Children lists the folders and files directly under ?prefix=.
func (h *ContainersHandler) Children(c echo.Context) error {
	s, err := h.open(c)
	if err != nil {
		return err
	}
	prefix := namespace.NormalizePrefix(c.QueryParam("prefix"))
	page, err := s.ns.ListChildren(c.Request().Context(), prefix)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, childrenResponse{
		Container:   s.container,
		Prefix:      prefix,
		Breadcrumbs: namespace.Breadcrumbs(prefix),
		ListingPage: page,
	})
}

// Search lists every file below ?prefix= whose relative path contains ?q=.
func (h *ContainersHandler) Search(c echo.Context) error {
	s, err := h.open(c)
	if err != nil {
		return err
	}
	files, err := s.ns.ListAllDescendants(c.Request().Context(), c.QueryParam("prefix"), c.QueryParam("q"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"files": files})
}

// Stats totals the files below ?prefix=.
func (h *ContainersHandler) Stats(c echo.Context) error {
	s, err := h.open(c)
	if err != nil {
		return err
	}
	stats, err := s.ns.Stats(c.Request().Context(), c.QueryParam("prefix"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// Usage reports container totals, from the backend's usage scanner when it
// has one and from a full listing otherwise.
func (h *ContainersHandler) Usage(c echo.Context) error {
	s, err := h.open(c)
	if err != nil {
		return err
	}
	if ur, ok := s.store.(services.UsageReporter); ok {
		stats, err := ur.Usage(c.Request().Context())
		if err == nil {
			return c.JSON(http.StatusOK, stats)
		}
		if !apperr.Is(err, apperr.NotFound) {
			return err
		}
		log.Debug().Str("container", s.container).Msg("no usage data yet, counting objects")
	}
	stats, err := s.ns.Stats(c.Request().Context(), "")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

type createFolderRequest struct {
	Prefix string `json:"prefix" validate:"required"`
}

// CreateFolder writes a placeholder so an empty folder stays visible.
func (h *ContainersHandler) CreateFolder(c echo.Context) error {
	var req createFolderRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	s, err := h.open(c)
	if err != nil {
		return err
	}
	folder, err := s.ns.CreateFolder(c.Request().Context(), req.Prefix)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, folder)
}

type folderPairRequest struct {
	Source      string `json:"source" validate:"required"`
	Destination string `json:"destination" validate:"required"`
}

// RenameFolder moves a folder and everything below it.
func (h *ContainersHandler) RenameFolder(c echo.Context) error {
	var req folderPairRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	s, err := h.open(c)
	if err != nil {
		return err
	}
	res, err := s.engine(h.treeOpts).RenameOrMoveFolder(c.Request().Context(), req.Source, req.Destination)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// CopyFolder duplicates a folder below another.
func (h *ContainersHandler) CopyFolder(c echo.Context) error {
	var req folderPairRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	s, err := h.open(c)
	if err != nil {
		return err
	}
	res, err := s.engine(h.treeOpts).CopyFolder(c.Request().Context(), req.Source, req.Destination)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// DeleteFolder removes a folder and all its contents
func (h *ContainersHandler) DeleteFolder(c echo.Context) error {
	var req createFolderRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	s, err := h.open(c)
	if err != nil {
		return err
	}
	res, err := s.engine(h.treeOpts).DeleteFolder(c.Request().Context(), req.Prefix)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type renameFileRequest struct {
	Source      string `json:"source" validate:"required"`
	Destination string `json:"destination" validate:"required"`
}

// RenameFile moves a single object.
func (h *ContainersHandler) RenameFile(c echo.Context) error {
	var req renameFileRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	s, err := h.open(c)
	if err != nil {
		return err
	}
	if err := s.engine(h.treeOpts).RenameFile(c.Request().Context(), req.Source, req.Destination); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type transferRequest struct {
	Items       []models.TransferItem `json:"items" validate:"required,min=1,dive"`
	Destination string                `json:"destination"`
	Mode        string                `json:"mode" validate:"required,oneof=copy move"`
	// OnConflict answers every conflict of this call. The API has nobody to
	// ask, so the answer is given up front.
	OnConflict string `json:"onConflict" validate:"omitempty,oneof=skip overwrite overwriteAll"`
}

// Transfer copies or moves a selection into a folder. Per-item outcomes are
// returned; the call itself only fails on bad input.
func (h *ContainersHandler) Transfer(c echo.Context) error {
	var req transferRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	decision, _ := models.ParseConflictDecision(req.OnConflict)
	s, err := h.open(c)
	if err != nil {
		return err
	}
	res, err := s.engine(h.treeOpts).Transfer(c.Request().Context(), req.Items, req.Destination,
		models.TransferMode(req.Mode), tree.StaticResolver{Decision: decision})
	if err != nil {
		return err
	}
	status := http.StatusOK
	if res.FirstFailure != nil {
		status = http.StatusMultiStatus
	}
	return c.JSON(status, res)
}

// Upload stores a multipart file under ?prefix=.
func (h *ContainersHandler) Upload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return apperr.New(apperr.Invalid, "upload", "No file uploaded")
	}
	s, err := h.open(c)
	if err != nil {
		return err
	}

	src, err := file.Open()
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	key := namespace.NormalizePrefix(c.QueryParam("prefix")) + filepath.Base(file.Filename)
	if namespace.IsSystem(key) {
		return apperr.New(apperr.Invalid, "upload", "the .system folder is reserved").WithKey(key)
	}
	contentType := file.Header.Get(echo.HeaderContentType)
	if contentType == "" || contentType == echo.MIMEOctetStream {
		contentType = getContentTypeFromExt(file.Filename)
	}

	if err := s.store.Put(c.Request().Context(), key, src, file.Size, services.PutOptions{ContentType: contentType}); err != nil {
		return err
	}
	log.Info().Str("container", s.container).Str("key", key).Str("size", humanize.IBytes(uint64(file.Size))).Msg("object uploaded")
	return c.JSON(http.StatusCreated, map[string]string{"key": key})
}

// Download streams one object. An If-Match header makes the read
// conditional.
func (h *ContainersHandler) Download(c echo.Context) error {
	key := c.QueryParam("key")
	if key == "" {
		return apperr.New(apperr.Invalid, "download", "key is required")
	}
	s, err := h.open(c)
	if err != nil {
		return err
	}
	body, rec, err := s.store.Get(c.Request().Context(), key, services.GetOptions{IfMatch: c.Request().Header.Get("If-Match")})
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	contentType := rec.ContentType
	if contentType == "" {
		contentType = getContentTypeFromExt(key)
	}
	hdr := c.Response().Header()
	hdr.Set(echo.HeaderContentDisposition, attachmentName(namespace.BaseName(key)))
	hdr.Set(echo.HeaderContentLength, strconv.FormatInt(rec.Size, 10))
	if rec.ETag != "" {
		hdr.Set("ETag", rec.ETag)
	}
	return c.Stream(http.StatusOK, contentType, body)
}

// DeleteObject removes one object.
func (h *ContainersHandler) DeleteObject(c echo.Context) error {
	key := c.QueryParam("key")
	if key == "" {
		return apperr.New(apperr.Invalid, "delete", "key is required")
	}
	s, err := h.open(c)
	if err != nil {
		return err
	}
	if err := s.engine(h.treeOpts).DeleteOne(c.Request().Context(), key); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ContainersHandler) sendArchive(c echo.Context, s *session, keys []string, base, name string) error {
	if len(keys) == 0 {
		return apperr.New(apperr.NotFound, "archive", "No files to download").WithKey(base)
	}
	entries, err := archive.Collect(c.Request().Context(), s.store, keys, base, h.archiveOpts)
	if err != nil {
		return err
	}
	data, err := archive.Build(entries)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, attachmentName(name))
	return c.Blob(http.StatusOK, "application/zip", data)
}

// DownloadZip sends every file below ?prefix= as one archive.
func (h *ContainersHandler) DownloadZip(c echo.Context) error {
	s, err := h.open(c)
	if err != nil {
		return err
	}
	prefix := namespace.NormalizePrefix(c.QueryParam("prefix"))
	files, err := s.ns.ListAllDescendants(c.Request().Context(), prefix, "")
	if err != nil {
		return err
	}
	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = f.Key
	}
	return h.sendArchive(c, s, keys, prefix, archiveName(s.container, prefix))
}

type zipSelectionRequest struct {
	// Base is stripped from entry names; usually the folder being viewed.
	Base  string                `json:"base"`
	Items []models.TransferItem `json:"items" validate:"required,min=1,dive"`
}

// DownloadSelection archives selected files and folders.
func (h *ContainersHandler) DownloadSelection(c echo.Context) error {
	var req zipSelectionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	s, err := h.open(c)
	if err != nil {
		return err
	}
	base := namespace.NormalizePrefix(req.Base)

	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, item := range req.Items {
		if !item.IsFolder {
			add(namespace.NormalizeKey(item.Path))
			continue
		}
		files, err := s.ns.ListAllDescendants(c.Request().Context(), item.Path, "")
		if err != nil {
			return err
		}
		for _, f := range files {
			add(f.Key)
		}
	}
	return h.sendArchive(c, s, keys, base, archiveName(s.container, base))
}

type shareRequest struct {
	Path           string `json:"path" validate:"required_without=ContainerLevel"`
	ContainerLevel bool   `json:"containerLevel"`
	Permissions    string `json:"permissions"`
	// ExpiresIn is the link lifetime in seconds.
	ExpiresIn int    `json:"expiresIn" validate:"gte=0"`
	IP        string `json:"ip" validate:"omitempty,ip_range"`
}

type shareResponse struct {
	models.CapabilityURL
	ExpiresDisplay string `json:"expiresDisplay"`
}

// Share mints a capability URL.
func (h *ContainersHandler) Share(c echo.Context) error {
	var req shareRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	creds, err := GetCredentials(c)
	if err != nil {
		return err
	}
	sharer, err := h.factory.NewSharer(*creds, c.Param("container"))
	if err != nil {
		return err
	}

	ttl := DefaultShareTTL
	if req.ExpiresIn > 0 {
		ttl = time.Duration(req.ExpiresIn) * time.Second
	}
	perms := req.Permissions
	if perms == "" {
		perms = "r"
		if req.ContainerLevel {
			perms = "rl"
		}
	}
	link, err := sharer.Share(c.Request().Context(), models.ShareRequest{
		Path:           strings.TrimPrefix(req.Path, "/"),
		ContainerLevel: req.ContainerLevel,
		Permissions:    perms,
		Expiry:         time.Now().Add(ttl),
		IP:             req.IP,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, shareResponse{
		CapabilityURL:  link,
		ExpiresDisplay: humanize.Time(link.ExpiresAt),
	})
}

func getContentTypeFromExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	types := map[string]string{
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".png":  "image/png",
		".gif":  "image/gif",
		".webp": "image/webp",
		".svg":  "image/svg+xml",
		".txt":  "text/plain",
		".md":   "text/markdown",
		".csv":  "text/csv",
		".json": "application/json",
		".xml":  "application/xml",
		".pdf":  "application/pdf",
		".mp4":  "video/mp4",
		".mp3":  "audio/mpeg",
		".zip":  "application/zip",
		".tar":  "application/x-tar",
		".gz":   "application/gzip",
	}
	if t, ok := types[ext]; ok {
		return t
	}
	return "application/octet-stream"
}
