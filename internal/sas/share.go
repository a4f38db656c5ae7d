package sas

import (
	"context"
	"time"

	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/metrics"
	"github.com/damacus/iron-folders/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	// MaxKeyWindow is the longest validity the service grants a delegation key.
	MaxKeyWindow = 7 * 24 * time.Hour

	// DefaultClockSkew backdates key and link start times.
	DefaultClockSkew = 5 * time.Minute
)

// KeyRequester fetches a delegation key from the control plane.
type KeyRequester interface {
	GetUserDelegationKey(ctx context.Context, start, expiry time.Time) (models.DelegationKey, error)
}

// Policy bounds the key window.
type Policy struct {
	ClockSkew time.Duration
	MaxWindow time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.ClockSkew <= 0 {
		p.ClockSkew = DefaultClockSkew
	}
	if p.MaxWindow <= 0 || p.MaxWindow > MaxKeyWindow {
		p.MaxWindow = MaxKeyWindow
	}
	return p
}

// RequestDelegationKey asks for a key valid from now-skew through
// min(requestedExpiry, now+MaxWindow).
func RequestDelegationKey(ctx context.Context, kr KeyRequester, requestedExpiry, now time.Time, policy Policy) (models.DelegationKey, error) {
	policy = policy.withDefaults()
	now = now.UTC().Truncate(time.Second)

	if !requestedExpiry.After(now) {
		return models.DelegationKey{}, apperr.New(apperr.SignatureOrConfig, "delegation-key", "requested expiry must be in the future")
	}
	start := now.Add(-policy.ClockSkew)
	expiry := requestedExpiry.UTC().Truncate(time.Second)
	if limit := now.Add(policy.MaxWindow); expiry.After(limit) {
		expiry = limit
	}
	return kr.GetUserDelegationKey(ctx, start, expiry)
}

// Target is a container the share service can mint links for.
type Target interface {
	KeyRequester
	Account() string
	Container() string
	Endpoint() string
}

// ShareService runs one sharing action per call: fetch a key, sign, drop
// the key.
type ShareService struct {
	target Target
	policy Policy
	now    func() time.Time
}

// NewShareService creates a share service for target.
func NewShareService(target Target, policy Policy) *ShareService {
	return &ShareService{target: target, policy: policy.withDefaults(), now: time.Now}
}

// Share mints a capability URL for req.
func (s *ShareService) Share(ctx context.Context, req models.ShareRequest) (models.CapabilityURL, error) {
	if req.Expiry.IsZero() {
		return models.CapabilityURL{}, apperr.New(apperr.SignatureOrConfig, "share", "expiry is required")
	}
	now := s.now().UTC()

	key, err := RequestDelegationKey(ctx, s.target, req.Expiry, now, s.policy)
	if err != nil {
		return models.CapabilityURL{}, err
	}

	// A link cannot outlive the key that signed it.
	start := req.Start.UTC()
	if start.IsZero() || start.Before(key.SignedStart) {
		start = key.SignedStart
	}
	expiry := req.Expiry.UTC()
	if expiry.After(key.SignedExpiry) {
		expiry = key.SignedExpiry
	}

	link, err := Sign(Request{
		Endpoint:       s.target.Endpoint(),
		Account:        s.target.Account(),
		Container:      s.target.Container(),
		BlobPath:       req.Path,
		ContainerLevel: req.ContainerLevel,
		Permissions:    req.Permissions,
		Start:          start,
		Expiry:         expiry,
		IP:             req.IP,
	}, key)
	if err != nil {
		return models.CapabilityURL{}, err
	}

	scope := "blob"
	if req.ContainerLevel {
		scope = "container"
	}
	metrics.Get().SharesIssued.WithLabelValues(scope).Inc()
	log.Info().
		Str("container", s.target.Container()).
		Str("path", req.Path).
		Str("scope", scope).
		Str("permissions", link.Permissions).
		Time("expires", link.ExpiresAt).
		Msg("capability URL issued")
	return link, nil
}
