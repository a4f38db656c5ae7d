package services

import (
	"sync"

	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/sas"
)

// BackendKind selects the object store implementation.
type BackendKind string

const (
	BackendAzure  BackendKind = "azure"
	BackendS3     BackendKind = "s3"
	BackendMemory BackendKind = "memory"
)

// FactoryConfig holds everything needed to build a store for any container.
type FactoryConfig struct {
	Kind  BackendKind
	Azure AzureConfig
	S3    S3Config
	Share sas.Policy
	// PageSize caps listing pages of the memory backend.
	PageSize int
}

// RealStoreFactory builds backend clients per request credential.
type RealStoreFactory struct {
	cfg FactoryConfig

	mu     sync.Mutex
	memory map[string]*MemoryStore
}

// NewStoreFactory creates a factory for cfg.Kind.
func NewStoreFactory(cfg FactoryConfig) (*RealStoreFactory, error) {
	switch cfg.Kind {
	case BackendAzure, BackendS3, BackendMemory:
	default:
		return nil, apperr.Newf(apperr.SignatureOrConfig, "configure", "unknown backend kind %q", cfg.Kind)
	}
	return &RealStoreFactory{cfg: cfg, memory: make(map[string]*MemoryStore)}, nil
}

// Kind reports the configured backend.
func (f *RealStoreFactory) Kind() BackendKind { return f.cfg.Kind }

// NewStore implements StoreFactory.
func (f *RealStoreFactory) NewStore(cred Credential, container string) (ObjectStore, error) {
	if container == "" {
		return nil, apperr.New(apperr.SignatureOrConfig, "configure", "container name is required")
	}
	switch f.cfg.Kind {
	case BackendAzure:
		return f.azure(cred, container)
	case BackendS3:
		return f.s3(cred, container)
	default:
		return f.memoryStore(container), nil
	}
}

// NewSharer implements StoreFactory.
func (f *RealStoreFactory) NewSharer(cred Credential, container string) (Sharer, error) {
	switch f.cfg.Kind {
	case BackendAzure:
		if cred.IsCapability() {
			return nil, apperr.New(apperr.SignatureOrConfig, "share", "a capability session cannot mint new links; sign in with an identity")
		}
		store, err := f.azure(cred, container)
		if err != nil {
			return nil, err
		}
		return sas.NewShareService(store, f.cfg.Share), nil
	case BackendS3:
		return f.s3(cred, container)
	default:
		return nil, apperr.New(apperr.SignatureOrConfig, "share", "the memory backend cannot issue share links")
	}
}

func (f *RealStoreFactory) azure(cred Credential, container string) (*AzureBlobStore, error) {
	if cred.BearerToken == "" && cred.SignedQuery == "" {
		return nil, apperr.New(apperr.SignatureOrConfig, "configure", "a bearer token or signed query string is required")
	}
	cred.SignedQuery = NormalizeSignedQuery(cred.SignedQuery)
	return NewAzureBlobStore(f.cfg.Azure, container, StaticSupplier(cred))
}

func (f *RealStoreFactory) s3(cred Credential, bucket string) (*MinioStore, error) {
	client, admin, err := NewMinioClients(f.cfg.S3, cred)
	if err != nil {
		return nil, err
	}
	return NewMinioStore(client, admin, bucket), nil
}

// memoryStore returns the process-wide store for container, creating it on
// first use.
func (f *RealStoreFactory) memoryStore(container string) *MemoryStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.memory[container]
	if !ok {
		s = NewMemoryStore(f.cfg.PageSize)
		f.memory[container] = s
	}
	return s
}
