package services

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/metrics"
	"github.com/damacus/iron-folders/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/minio/madmin-go/v3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxPresignExpiry is the longest validity an S3 presigned URL may carry.
const MaxPresignExpiry = 7 * 24 * time.Hour

// MinioAdminClient is the madmin subset the S3 backend uses.
type MinioAdminClient interface {
	DataUsageInfo(ctx context.Context) (madmin.DataUsageInfo, error)
}

// MinioClient is the minio-go subset the S3 backend uses.
type MinioClient interface {
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// WrappedMinioClient wraps minio.Client to implement our interface
type WrappedMinioClient struct {
	client *minio.Client
}

func (c *WrappedMinioClient) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return c.client.ListObjects(ctx, bucketName, opts)
}

func (c *WrappedMinioClient) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return c.client.StatObject(ctx, bucketName, objectName, opts)
}

// GetObject stats the object before returning it; minio-go defers errors to
// the first read otherwise.
func (c *WrappedMinioClient) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, error) {
	obj, err := c.client.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return nil, minio.ObjectInfo{}, err
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, minio.ObjectInfo{}, err
	}
	return obj, info, nil
}

func (c *WrappedMinioClient) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return c.client.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

func (c *WrappedMinioClient) CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	return c.client.CopyObject(ctx, dst, src)
}

func (c *WrappedMinioClient) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	return c.client.RemoveObject(ctx, bucketName, objectName, opts)
}

func (c *WrappedMinioClient) PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error) {
	return c.client.PresignedGetObject(ctx, bucketName, objectName, expires, reqParams)
}

// shouldUseSSL determines if SSL should be used based on the endpoint.
// Returns false for localhost, 127.0.0.1, and docker service names.
func shouldUseSSL(endpoint string) bool {
	if endpoint == "localhost:9000" || endpoint == "127.0.0.1:9000" {
		return false
	}
	// Docker service names (minio:9000, minio1:9000, ...) but not minio.example.com
	if strings.HasPrefix(endpoint, "minio") && !strings.Contains(strings.Split(endpoint, ":")[0], ".") && strings.Contains(endpoint, ":9000") {
		return false
	}
	return true
}

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Endpoint string
	Region   string
}

// NewMinioClients dials the S3 and admin endpoints with an access key pair.
func NewMinioClients(cfg S3Config, cred Credential) (MinioClient, MinioAdminClient, error) {
	if cfg.Endpoint == "" {
		return nil, nil, apperr.New(apperr.SignatureOrConfig, "configure", "S3 endpoint is required")
	}
	if cred.AccessKey == "" || cred.SecretKey == "" {
		return nil, nil, apperr.New(apperr.SignatureOrConfig, "configure", "S3 backend needs an access key and secret key")
	}
	secure := shouldUseSSL(cfg.Endpoint)
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cred.AccessKey, cred.SecretKey, cred.SessionToken),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, nil, apperr.New(apperr.SignatureOrConfig, "configure", "invalid S3 endpoint").WithCause(err)
	}
	admin, err := madmin.NewWithOptions(cfg.Endpoint, &madmin.Options{
		Creds:  credentials.NewStaticV4(cred.AccessKey, cred.SecretKey, cred.SessionToken),
		Secure: secure,
	})
	if err != nil {
		return nil, nil, apperr.New(apperr.SignatureOrConfig, "configure", "invalid S3 admin endpoint").WithCause(err)
	}
	return &WrappedMinioClient{client: client}, admin, nil
}

// MinioStore implements ObjectStore, Sharer and UsageReporter on one bucket.
type MinioStore struct {
	client  MinioClient
	admin   MinioAdminClient
	bucket  string
	metrics *metrics.Metrics
}

// NewMinioStore binds the clients to bucket. admin may be nil.
func NewMinioStore(client MinioClient, admin MinioAdminClient, bucket string) *MinioStore {
	return &MinioStore{client: client, admin: admin, bucket: bucket, metrics: metrics.Get()}
}

// classifyMinio maps a minio-go error onto the failure taxonomy.
func classifyMinio(op, key string, err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == 0 && resp.Code == "" {
		return apperr.Unreachable(op, key, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.Code == "AccessDenied":
		e := apperr.Denied(op, key, resp.StatusCode, false)
		e.Code = resp.Code
		e.Err = err
		return e
	case resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket":
		return &apperr.Error{Kind: apperr.NotFound, Op: op, Key: key, Status: resp.StatusCode, Code: resp.Code, Message: resp.Message, Err: err}
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed || resp.Code == "PreconditionFailed":
		return &apperr.Error{Kind: apperr.Conflict, Op: op, Key: key, Status: resp.StatusCode, Code: resp.Code, Message: resp.Message, Err: err}
	case resp.StatusCode == http.StatusRequestEntityTooLarge || resp.Code == "EntityTooLarge":
		return &apperr.Error{Kind: apperr.TooLarge, Op: op, Key: key, Status: resp.StatusCode, Code: resp.Code, Message: resp.Message, Err: err}
	}
	return &apperr.Error{Kind: apperr.BackendError, Op: op, Key: key, Status: resp.StatusCode, Code: resp.Code, Message: resp.Message, Err: err}
}

func (s *MinioStore) observe(op string, start time.Time, err error) {
	s.metrics.ObserveBackend("s3", op, start, err)
}

func recordFromInfo(info minio.ObjectInfo) ObjectRecord {
	rec := ObjectRecord{
		Key:          info.Key,
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
		ContentHash:  md5FromETag(info.ETag),
	}
	if len(info.UserMetadata) > 0 {
		rec.Metadata = make(map[string]string, len(info.UserMetadata))
		for k, v := range info.UserMetadata {
			rec.Metadata[strings.ToLower(k)] = v
		}
	}
	return rec
}

// md5FromETag recovers the content MD5 from a single-part entity tag.
func md5FromETag(etag string) string {
	raw, err := hex.DecodeString(strings.Trim(etag, `"`))
	if err != nil || len(raw) != 16 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// List returns one page. Delimited listings are returned whole; flat
// listings stop after MaxResults keys and report the last key as marker.
func (s *MinioStore) List(ctx context.Context, lr ListRequest) (ListResponse, error) {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recursive := lr.Delimiter == ""
	opts := minio.ListObjectsOptions{
		Prefix:       lr.Prefix,
		Recursive:    recursive,
		StartAfter:   lr.Marker,
		WithMetadata: true,
	}
	limit := lr.MaxResults
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var out ListResponse
	last := ""
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			err := classifyMinio("list", lr.Prefix, obj.Err)
			s.observe("list", start, err)
			return ListResponse{}, err
		}
		if !recursive && strings.HasSuffix(obj.Key, lr.Delimiter) && obj.Key != lr.Prefix {
			out.Prefixes = append(out.Prefixes, obj.Key)
			continue
		}
		if recursive && len(out.Objects) == limit {
			out.NextMarker = last
			break
		}
		out.Objects = append(out.Objects, recordFromInfo(obj))
		last = obj.Key
	}
	s.observe("list", start, nil)
	return out, nil
}

// Head stats key.
func (s *MinioStore) Head(ctx context.Context, key string) (ObjectRecord, error) {
	start := time.Now()
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	err = classifyMinio("head", key, err)
	s.observe("head", start, err)
	if err != nil {
		return ObjectRecord{}, err
	}
	return recordFromInfo(info), nil
}

// Get streams key.
func (s *MinioStore) Get(ctx context.Context, key string, opts GetOptions) (io.ReadCloser, ObjectRecord, error) {
	start := time.Now()
	getOpts := minio.GetObjectOptions{}
	if opts.IfMatch != "" {
		if err := getOpts.SetMatchETag(strings.Trim(opts.IfMatch, `"`)); err != nil {
			return nil, ObjectRecord{}, apperr.New(apperr.Invalid, "get", "bad entity tag").WithKey(key).WithCause(err)
		}
	}
	body, info, err := s.client.GetObject(ctx, s.bucket, key, getOpts)
	err = classifyMinio("get", key, err)
	s.observe("get", start, err)
	if err != nil {
		return nil, ObjectRecord{}, err
	}
	rec := recordFromInfo(info)
	rec.Key = key
	return body, rec, nil
}

// Put uploads body; minio-go switches to multipart on its own.
func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error {
	start := time.Now()
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	err = classifyMinio("put", key, err)
	s.observe("put", start, err)
	return err
}

// Copy performs a server-side copy. S3 copies complete synchronously.
func (s *MinioStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: s.bucket, Object: srcKey},
	)
	err = classifyMinio("copy", srcKey, err)
	s.observe("copy", start, err)
	return err
}

// Delete removes key. A missing key is not an error.
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := classifyMinio("delete", key, s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}))
	if apperr.Is(err, apperr.NotFound) {
		err = nil
	}
	s.observe("delete", start, err)
	return err
}

// Share presigns a read-only URL for a single object.
func (s *MinioStore) Share(ctx context.Context, req models.ShareRequest) (models.CapabilityURL, error) {
	if req.ContainerLevel {
		return models.CapabilityURL{}, apperr.New(apperr.SignatureOrConfig, "share", "the S3 backend can only share single objects")
	}
	if req.Permissions != "" && req.Permissions != "r" {
		return models.CapabilityURL{}, apperr.Newf(apperr.SignatureOrConfig, "share", "the S3 backend only issues read links, not %q", req.Permissions)
	}
	now := time.Now().UTC()
	ttl := req.Expiry.Sub(now)
	if ttl <= 0 {
		return models.CapabilityURL{}, apperr.New(apperr.SignatureOrConfig, "share", "expiry must be in the future")
	}
	if ttl > MaxPresignExpiry {
		ttl = MaxPresignExpiry
	}

	start := time.Now()
	u, err := s.client.PresignedGetObject(ctx, s.bucket, req.Path, ttl, nil)
	err = classifyMinio("share", req.Path, err)
	s.observe("share", start, err)
	if err != nil {
		return models.CapabilityURL{}, err
	}
	return models.CapabilityURL{
		URL:         u.String(),
		Permissions: "r",
		StartsAt:    now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// Usage reads bucket totals from the admin data-usage scanner.
func (s *MinioStore) Usage(ctx context.Context) (models.FolderStats, error) {
	if s.admin == nil {
		return models.FolderStats{}, apperr.New(apperr.SignatureOrConfig, "usage", "no admin client configured")
	}
	start := time.Now()
	info, err := s.admin.DataUsageInfo(ctx)
	err = classifyMinio("usage", "", err)
	s.observe("usage", start, err)
	if err != nil {
		return models.FolderStats{}, err
	}
	usage, ok := info.BucketsUsage[s.bucket]
	if !ok {
		return models.FolderStats{}, apperr.New(apperr.NotFound, "usage", "no usage data for bucket yet").WithKey(s.bucket)
	}
	return models.FolderStats{
		Files:         int(usage.ObjectsCount),
		Bytes:         int64(usage.Size),
		FormattedSize: humanize.IBytes(usage.Size),
	}, nil
}
