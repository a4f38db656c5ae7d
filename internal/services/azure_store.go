package services

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/metrics"
)

// DefaultAzureAPIVersion is sent as x-ms-version on every request.
const DefaultAzureAPIVersion = "2023-11-03"

// MinChunkSize is the smallest block the blob SDK stages.
const MinChunkSize int64 = 1 << 20

// AzureConfig configures the blob-service backend.
type AzureConfig struct {
	Account string
	// Endpoint overrides https://<account>.blob.core.windows.net (emulators, tests).
	Endpoint         string
	APIVersion       string
	ChunkSize        int64
	CopyPollInterval time.Duration
	// MaxRetries is handed to the SDK retry policy; 0 keeps its default and
	// a negative value disables retries.
	MaxRetries int32
	HTTPClient *http.Client
}

func (c AzureConfig) withDefaults() AzureConfig {
	if c.Endpoint == "" && c.Account != "" {
		c.Endpoint = "https://" + c.Account + ".blob.core.windows.net"
	}
	c.Endpoint = strings.TrimSuffix(c.Endpoint, "/")
	if c.APIVersion == "" {
		c.APIVersion = DefaultAzureAPIVersion
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = ChunkSize
	}
	c.ChunkSize = max(c.ChunkSize, MinChunkSize)
	if c.CopyPollInterval <= 0 {
		c.CopyPollInterval = 500 * time.Millisecond
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return c
}

// AzureBlobStore implements ObjectStore against one blob container.
type AzureBlobStore struct {
	cfg       AzureConfig
	container string
	supplier  CredentialSupplier
	metrics   *metrics.Metrics
}

// NewAzureBlobStore creates a store for the named container.
func NewAzureBlobStore(cfg AzureConfig, name string, supplier CredentialSupplier) (*AzureBlobStore, error) {
	cfg = cfg.withDefaults()
	if cfg.Endpoint == "" {
		return nil, apperr.New(apperr.SignatureOrConfig, "configure", "storage account or endpoint is required")
	}
	if name == "" {
		return nil, apperr.New(apperr.SignatureOrConfig, "configure", "container name is required")
	}
	if supplier == nil {
		return nil, apperr.New(apperr.SignatureOrConfig, "configure", "credential supplier is required")
	}
	return &AzureBlobStore{
		cfg:       cfg,
		container: name,
		supplier:  supplier,
		metrics:   metrics.Get(),
	}, nil
}

// Account returns the storage account name.
func (s *AzureBlobStore) Account() string { return s.cfg.Account }

// Container returns the container name.
func (s *AzureBlobStore) Container() string { return s.container }

// Endpoint returns the service base URL.
func (s *AzureBlobStore) Endpoint() string { return s.cfg.Endpoint }

func (s *AzureBlobStore) containerURL() string {
	return s.cfg.Endpoint + "/" + url.PathEscape(s.container)
}

// BlobURL returns the unsigned URL of key.
func (s *AzureBlobStore) BlobURL(key string) string {
	return s.containerURL() + "/" + EscapeKey(key)
}

// EscapeKey percent-encodes each '/'-separated segment of key.
func EscapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// bearerToken hands an already-issued access token to the SDK's bearer policy.
type bearerToken string

func (t bearerToken) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: string(t), ExpiresOn: time.Now().Add(time.Hour)}, nil
}

// versionPolicy pins x-ms-version on every SDK request.
type versionPolicy string

func (v versionPolicy) Do(req *policy.Request) (*http.Response, error) {
	req.Raw().Header.Set("x-ms-version", string(v))
	return req.Next()
}

func (s *AzureBlobStore) clientOptions() *container.ClientOptions {
	return &container.ClientOptions{ClientOptions: azcore.ClientOptions{
		Transport:                       s.cfg.HTTPClient,
		Retry:                           policy.RetryOptions{MaxRetries: s.cfg.MaxRetries},
		PerCallPolicies:                 []policy.Policy{versionPolicy(s.cfg.APIVersion)},
		InsecureAllowCredentialWithHTTP: strings.HasPrefix(s.cfg.Endpoint, "http://"),
	}}
}

// client builds a container client for the caller's current credential:
// a bearer pipeline for interactive sessions, the signed query appended to
// the container URL for capability sessions.
func (s *AzureBlobStore) client(ctx context.Context) (*container.Client, Credential, error) {
	cred, err := s.supplier.Credential(ctx)
	if err != nil {
		return nil, cred, apperr.New(apperr.SignatureOrConfig, "credential", "credential supplier failed").WithCause(err)
	}

	var c *container.Client
	switch {
	case cred.SignedQuery != "":
		c, err = container.NewClientWithNoCredential(s.containerURL()+"?"+NormalizeSignedQuery(cred.SignedQuery), s.clientOptions())
	case cred.BearerToken != "":
		c, err = container.NewClient(s.containerURL(), bearerToken(cred.BearerToken), s.clientOptions())
	default:
		return nil, cred, apperr.New(apperr.SignatureOrConfig, "credential", "no bearer token or signed query string available")
	}
	if err != nil {
		return nil, cred, apperr.New(apperr.SignatureOrConfig, "configure", "cannot build blob client").WithCause(err)
	}
	return c, cred, nil
}

// observe records the call and converts SDK errors into typed ones.
func (s *AzureBlobStore) observe(op, key string, start time.Time, cred Credential, err error) error {
	if err != nil {
		err = classifyError(op, key, err, cred.IsCapability())
	}
	s.metrics.ObserveBackend("azure", op, start, err)
	return err
}

func deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

func hashString(md5 []byte) string {
	if len(md5) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(md5)
}

// metadataMap lowercases keys; header-sourced names arrive canonicalised.
func metadataMap(in map[string]*string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = deref(v)
	}
	return out
}

func recordFromItem(item *container.BlobItem) ObjectRecord {
	rec := ObjectRecord{Key: deref(item.Name), Metadata: metadataMap(item.Metadata)}
	if p := item.Properties; p != nil {
		rec.Size = deref(p.ContentLength)
		rec.ContentType = deref(p.ContentType)
		rec.ETag = string(deref(p.ETag))
		rec.ContentHash = hashString(p.ContentMD5)
		rec.LastModified = deref(p.LastModified)
		rec.CreatedOn = deref(p.CreationTime)
	}
	return rec
}

// List returns one page of the container listing.
func (s *AzureBlobStore) List(ctx context.Context, lr ListRequest) (ListResponse, error) {
	start := time.Now()
	c, cred, err := s.client(ctx)
	if err != nil {
		return ListResponse{}, err
	}

	var prefix, marker *string
	if lr.Prefix != "" {
		prefix = to.Ptr(lr.Prefix)
	}
	if lr.Marker != "" {
		marker = to.Ptr(lr.Marker)
	}
	var maxResults *int32
	if lr.MaxResults > 0 {
		maxResults = to.Ptr(int32(lr.MaxResults))
	}
	include := container.ListBlobsInclude{Metadata: true}

	var out ListResponse
	if lr.Delimiter == "" {
		pager := c.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
			Include: include, Prefix: prefix, Marker: marker, MaxResults: maxResults,
		})
		page, err := pager.NextPage(ctx)
		if err = s.observe("list", lr.Prefix, start, cred, err); err != nil {
			return ListResponse{}, err
		}
		out.NextMarker = deref(page.NextMarker)
		if page.Segment != nil {
			for _, item := range page.Segment.BlobItems {
				out.Objects = append(out.Objects, recordFromItem(item))
			}
		}
		return out, nil
	}

	pager := c.NewListBlobsHierarchyPager(lr.Delimiter, &container.ListBlobsHierarchyOptions{
		Include: include, Prefix: prefix, Marker: marker, MaxResults: maxResults,
	})
	page, err := pager.NextPage(ctx)
	if err = s.observe("list", lr.Prefix, start, cred, err); err != nil {
		return ListResponse{}, err
	}
	out.NextMarker = deref(page.NextMarker)
	if page.Segment != nil {
		for _, p := range page.Segment.BlobPrefixes {
			out.Prefixes = append(out.Prefixes, deref(p.Name))
		}
		for _, item := range page.Segment.BlobItems {
			out.Objects = append(out.Objects, recordFromItem(item))
		}
	}
	return out, nil
}

// Head returns the properties of key.
func (s *AzureBlobStore) Head(ctx context.Context, key string) (ObjectRecord, error) {
	start := time.Now()
	c, cred, err := s.client(ctx)
	if err != nil {
		return ObjectRecord{}, err
	}
	props, err := c.NewBlobClient(key).GetProperties(ctx, nil)
	if err = s.observe("head", key, start, cred, err); err != nil {
		return ObjectRecord{}, err
	}
	return ObjectRecord{
		Key:          key,
		Size:         deref(props.ContentLength),
		ContentType:  deref(props.ContentType),
		ETag:         string(deref(props.ETag)),
		ContentHash:  hashString(props.ContentMD5),
		LastModified: deref(props.LastModified),
		CreatedOn:    deref(props.CreationTime),
		Metadata:     metadataMap(props.Metadata),
	}, nil
}

// Get streams the body of key.
func (s *AzureBlobStore) Get(ctx context.Context, key string, opts GetOptions) (io.ReadCloser, ObjectRecord, error) {
	start := time.Now()
	c, cred, err := s.client(ctx)
	if err != nil {
		return nil, ObjectRecord{}, err
	}
	var dl *blob.DownloadStreamOptions
	if opts.IfMatch != "" {
		dl = &blob.DownloadStreamOptions{AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(opts.IfMatch))},
		}}
	}
	resp, err := c.NewBlobClient(key).DownloadStream(ctx, dl)
	if err = s.observe("get", key, start, cred, err); err != nil {
		return nil, ObjectRecord{}, err
	}
	return resp.Body, ObjectRecord{
		Key:          key,
		Size:         deref(resp.ContentLength),
		ContentType:  deref(resp.ContentType),
		ETag:         string(deref(resp.ETag)),
		ContentHash:  hashString(resp.ContentMD5),
		LastModified: deref(resp.LastModified),
		CreatedOn:    deref(resp.CreationTime),
		Metadata:     metadataMap(resp.Metadata),
	}, nil
}

var errBlockLimit = errors.New("upload exceeds the block limit")

// cappedReader fails once more than limit bytes have been read.
type cappedReader struct {
	r    io.Reader
	left int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.left <= 0 {
		var one [1]byte
		n, err := c.r.Read(one[:])
		if n > 0 {
			return 0, errBlockLimit
		}
		return 0, err
	}
	if int64(len(p)) > c.left {
		p = p[:c.left]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	return n, err
}

// Put writes body under key. Bodies up to one chunk go up in a single PUT;
// larger ones are staged as blocks of ChunkSize and committed.
func (s *AzureBlobStore) Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error {
	chunk := s.cfg.ChunkSize
	limit := chunk * MaxBlocks
	if size > limit {
		return apperr.Newf(apperr.TooLarge, "put", "%d bytes exceeds %d blocks of %d bytes", size, MaxBlocks, chunk).WithKey(key)
	}

	start := time.Now()
	c, cred, err := s.client(ctx)
	if err != nil {
		return err
	}
	upload := &blockblob.UploadStreamOptions{BlockSize: chunk}
	if opts.ContentType != "" {
		upload.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: to.Ptr(opts.ContentType)}
	}
	if len(opts.Metadata) > 0 {
		upload.Metadata = make(map[string]*string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			upload.Metadata[k] = to.Ptr(v)
		}
	}

	_, err = c.NewBlockBlobClient(key).UploadStream(ctx, &cappedReader{r: body, left: limit}, upload)
	if errors.Is(err, errBlockLimit) {
		err = apperr.Newf(apperr.TooLarge, "put", "upload exceeds %d blocks", MaxBlocks).WithKey(key)
		s.metrics.ObserveBackend("azure", "put", start, err)
		return err
	}
	return s.observe("put", key, start, cred, err)
}

// Copy performs a server-side copy and waits for it to finish.
func (s *AzureBlobStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	c, cred, err := s.client(ctx)
	if err != nil {
		return err
	}
	source := s.BlobURL(srcKey)
	if cred.IsCapability() {
		// Under a capability session the copy source is itself a capability URL.
		source += "?" + NormalizeSignedQuery(cred.SignedQuery)
	}

	dst := c.NewBlobClient(dstKey)
	resp, err := dst.StartCopyFromURL(ctx, source, nil)
	if err = s.observe("copy", srcKey, start, cred, err); err != nil {
		return err
	}

	status := deref(resp.CopyStatus)
	var description string
	for status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return apperr.Unreachable("copy", srcKey, ctx.Err())
		case <-time.After(s.cfg.CopyPollInterval):
		}
		pollStart := time.Now()
		props, err := dst.GetProperties(ctx, nil)
		if err = s.observe("copy-status", dstKey, pollStart, cred, err); err != nil {
			return err
		}
		status = deref(props.CopyStatus)
		description = deref(props.CopyStatusDescription)
	}
	if status != "" && status != blob.CopyStatusTypeSuccess {
		msg := "copy finished with status " + string(status)
		if description != "" {
			msg += ": " + description
		}
		return apperr.New(apperr.BackendError, "copy", msg).WithKey(srcKey)
	}
	return nil
}

// Delete removes key and its snapshots. A missing key is not an error.
func (s *AzureBlobStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	c, cred, err := s.client(ctx)
	if err != nil {
		return err
	}
	_, err = c.NewBlobClient(key).Delete(ctx, &blob.DeleteOptions{
		DeleteSnapshots: to.Ptr(blob.DeleteSnapshotsOptionTypeInclude),
	})
	var re *azcore.ResponseError
	if errors.As(err, &re) && re.StatusCode == http.StatusNotFound && !bloberror.HasCode(err, bloberror.ContainerNotFound) {
		err = nil
	}
	return s.observe("delete", key, start, cred, err)
}
