package services

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/damacus/iron-folders/internal/apperr"
)

type memObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	etag        string
	created     time.Time
	modified    time.Time
}

// MemoryStore is an in-process ObjectStore with the same paging behaviour as
// the remote backends. It backs the "memory" backend kind and the tests.
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[string]memObject
	pageSize int
	now      func() time.Time

	// FailOn, when set, is consulted before every primitive. A non-nil return
	// is reported as the primitive's error.
	FailOn func(op, key string) error
}

// NewMemoryStore creates an empty store. pageSize <= 0 uses DefaultPageSize.
func NewMemoryStore(pageSize int) *MemoryStore {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &MemoryStore{
		objects:  make(map[string]memObject),
		pageSize: pageSize,
		now:      time.Now,
	}
}

func (m *MemoryStore) fail(op, key string) error {
	if m.FailOn == nil {
		return nil
	}
	return m.FailOn(op, key)
}

// List returns one page of keys in lexical order.
func (m *MemoryStore) List(_ context.Context, req ListRequest) (ListResponse, error) {
	if err := m.fail("list", req.Prefix); err != nil {
		return ListResponse{}, err
	}

	limit := req.MaxResults
	if limit <= 0 || limit > m.pageSize {
		limit = m.pageSize
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, req.Prefix) && k > req.Marker {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var resp ListResponse
	emitted := 0
	lastPrefix := ""
	for _, k := range keys {
		if req.Delimiter != "" {
			rest := k[len(req.Prefix):]
			if idx := strings.Index(rest, req.Delimiter); idx >= 0 {
				p := req.Prefix + rest[:idx+len(req.Delimiter)]
				// A marker that is itself a common prefix covers its keys.
				if p == lastPrefix || p == req.Marker {
					continue
				}
				if emitted == limit {
					resp.NextMarker = lastEmitted(resp)
					return resp, nil
				}
				resp.Prefixes = append(resp.Prefixes, p)
				lastPrefix = p
				emitted++
				continue
			}
		}
		if emitted == limit {
			resp.NextMarker = lastEmitted(resp)
			return resp, nil
		}
		resp.Objects = append(resp.Objects, m.record(k))
		emitted++
	}
	return resp, nil
}

// lastEmitted is the lexically greatest name in the page.
func lastEmitted(resp ListResponse) string {
	last := ""
	if n := len(resp.Objects); n > 0 {
		last = resp.Objects[n-1].Key
	}
	if n := len(resp.Prefixes); n > 0 && resp.Prefixes[n-1] > last {
		last = resp.Prefixes[n-1]
	}
	return last
}

func (m *MemoryStore) record(key string) ObjectRecord {
	obj := m.objects[key]
	meta := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		meta[k] = v
	}
	sum := md5.Sum(obj.data)
	return ObjectRecord{
		Key:          key,
		Size:         int64(len(obj.data)),
		LastModified: obj.modified,
		CreatedOn:    obj.created,
		ContentType:  obj.contentType,
		ETag:         obj.etag,
		ContentHash:  base64.StdEncoding.EncodeToString(sum[:]),
		Metadata:     meta,
	}
}

// Head returns the object's properties.
func (m *MemoryStore) Head(_ context.Context, key string) (ObjectRecord, error) {
	if err := m.fail("head", key); err != nil {
		return ObjectRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return ObjectRecord{}, apperr.New(apperr.NotFound, "head", "object does not exist").WithKey(key)
	}
	return m.record(key), nil
}

// Get returns the object's body.
func (m *MemoryStore) Get(_ context.Context, key string, opts GetOptions) (io.ReadCloser, ObjectRecord, error) {
	if err := m.fail("get", key); err != nil {
		return nil, ObjectRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ObjectRecord{}, apperr.New(apperr.NotFound, "get", "object does not exist").WithKey(key)
	}
	if opts.IfMatch != "" && opts.IfMatch != obj.etag {
		return nil, ObjectRecord{}, apperr.New(apperr.Conflict, "get", "entity tag changed").WithKey(key)
	}
	data := append([]byte(nil), obj.data...)
	return io.NopCloser(bytes.NewReader(data)), m.record(key), nil
}

// Put stores the body under key.
func (m *MemoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts PutOptions) error {
	if err := m.fail("put", key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return apperr.New(apperr.Invalid, "put", "read upload body").WithKey(key).WithCause(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, data, opts.ContentType, opts.Metadata)
	return nil
}

func (m *MemoryStore) store(key string, data []byte, contentType string, metadata map[string]string) {
	now := m.now().UTC()
	created := now
	if prev, ok := m.objects[key]; ok {
		created = prev.created
	}
	sum := md5.Sum(data)
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	m.objects[key] = memObject{
		data:        data,
		contentType: contentType,
		metadata:    meta,
		etag:        `"` + hex.EncodeToString(sum[:]) + `"`,
		created:     created,
		modified:    now,
	}
}

// Copy duplicates srcKey to dstKey.
func (m *MemoryStore) Copy(_ context.Context, srcKey, dstKey string) error {
	if err := m.fail("copy", srcKey); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.objects[srcKey]
	if !ok {
		return apperr.New(apperr.NotFound, "copy", "copy source does not exist").WithKey(srcKey)
	}
	m.store(dstKey, append([]byte(nil), src.data...), src.contentType, src.metadata)
	return nil
}

// Delete removes key. Deleting a missing key succeeds.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	if err := m.fail("delete", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Keys returns every stored key in lexical order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
