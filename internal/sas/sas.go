// Package sas mints user-delegation capability URLs for the blob service.
//
// The canonical string and the query string are both produced from one
// versioned field table, so a field can never be signed without also being
// sent (or sent without being signed).
package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/models"
)

const (
	// Version is the signing scheme version (sv) this package implements.
	Version = "2022-11-02"

	// TimeFormat is the layout of every timestamp in the signed fields.
	TimeFormat = "2006-01-02T15:04:05Z"

	// blobPermissionOrder and containerPermissionOrder are the letters each
	// resource type accepts, in the order the service expects them.
	blobPermissionOrder      = "racwdxytmeopi"
	containerPermissionOrder = "racwdxltfmeopi"
)

// Request describes the grant to sign.
type Request struct {
	// Endpoint is the service base URL, e.g. https://acct.blob.core.windows.net.
	Endpoint  string
	Account   string
	Container string
	// BlobPath is the blob key; ignored when ContainerLevel is set.
	BlobPath       string
	ContainerLevel bool
	Permissions    string
	Start          time.Time
	Expiry         time.Time
	// IP optionally restricts use to one address or an "a-b" range.
	IP string
}

// signing is the validated input every field reads from.
type signing struct {
	req         Request
	key         models.DelegationKey
	permissions string
}

type field struct {
	// param is the query parameter; empty for fields that are signed but not sent.
	param string
	value func(s *signing) string
}

func empty(*signing) string { return "" }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}

// fields20221102 is the canonical field order for sv=2022-11-02.
var fields20221102 = []field{
	{"sp", func(s *signing) string { return s.permissions }},
	{"st", func(s *signing) string { return formatTime(s.req.Start) }},
	{"se", func(s *signing) string { return formatTime(s.req.Expiry) }},
	{"", canonicalResource},
	{"skoid", func(s *signing) string { return s.key.SignedObjectID }},
	{"sktid", func(s *signing) string { return s.key.SignedTenantID }},
	{"skt", func(s *signing) string { return formatTime(s.key.SignedStart) }},
	{"ske", func(s *signing) string { return formatTime(s.key.SignedExpiry) }},
	{"sks", func(s *signing) string { return s.key.SignedService }},
	{"skv", func(s *signing) string { return s.key.SignedVersion }},
	{"saoid", empty},
	{"suoid", empty},
	{"scid", empty},
	{"sip", func(s *signing) string { return s.req.IP }},
	{"spr", func(*signing) string { return "https" }},
	{"sv", func(*signing) string { return Version }},
	{"sr", resourceType},
	{"", empty}, // snapshot time
	{"ses", empty},
	{"rscc", empty},
	{"rscd", empty},
	{"rsce", empty},
	{"rscl", empty},
	{"rsct", empty},
}

func canonicalResource(s *signing) string {
	res := "/blob/" + s.req.Account + "/" + s.req.Container
	if !s.req.ContainerLevel {
		res += "/" + s.req.BlobPath
	}
	return res
}

func resourceType(s *signing) string {
	if s.req.ContainerLevel {
		return "c"
	}
	return "b"
}

// NormalizePermissions validates perms and returns them in canonical order.
func NormalizePermissions(perms string, containerLevel bool) (string, error) {
	if perms == "" {
		return "", apperr.New(apperr.SignatureOrConfig, "sign", "at least one permission is required")
	}
	order, other, level := blobPermissionOrder, containerPermissionOrder, "a blob"
	if containerLevel {
		order, other, level = containerPermissionOrder, blobPermissionOrder, "a container"
	}
	var seen [256]bool
	for i := 0; i < len(perms); i++ {
		c := perms[i]
		if !strings.ContainsRune(order, rune(c)) {
			if strings.ContainsRune(other, rune(c)) {
				return "", apperr.Newf(apperr.SignatureOrConfig, "sign", "permission %q does not apply to %s", string(c), level)
			}
			return "", apperr.Newf(apperr.SignatureOrConfig, "sign", "unknown permission %q", string(c))
		}
		seen[c] = true
	}
	var b strings.Builder
	for i := 0; i < len(order); i++ {
		if seen[order[i]] {
			b.WriteByte(order[i])
		}
	}
	return b.String(), nil
}

// ValidIPRange reports whether s is a single IP address or an inclusive
// "low-high" range of two addresses of the same family.
func ValidIPRange(s string) bool {
	lo, hi, isRange := strings.Cut(s, "-")
	from, err := netip.ParseAddr(lo)
	if err != nil || from.Zone() != "" {
		return false
	}
	if !isRange {
		return true
	}
	to, err := netip.ParseAddr(hi)
	if err != nil || to.Zone() != "" || from.Is4() != to.Is4() {
		return false
	}
	return from.Compare(to) <= 0
}

func prepare(req Request, key models.DelegationKey) (*signing, []byte, error) {
	switch {
	case req.Account == "":
		return nil, nil, apperr.New(apperr.SignatureOrConfig, "sign", "account name is required")
	case req.Container == "":
		return nil, nil, apperr.New(apperr.SignatureOrConfig, "sign", "container name is required")
	case !req.ContainerLevel && req.BlobPath == "":
		return nil, nil, apperr.New(apperr.SignatureOrConfig, "sign", "blob path is required for a blob grant")
	case req.Expiry.IsZero():
		return nil, nil, apperr.New(apperr.SignatureOrConfig, "sign", "expiry is required")
	case !req.Start.IsZero() && !req.Expiry.After(req.Start):
		return nil, nil, apperr.New(apperr.SignatureOrConfig, "sign", "expiry must be after start")
	case req.IP != "" && !ValidIPRange(req.IP):
		return nil, nil, apperr.Newf(apperr.SignatureOrConfig, "sign", "ip %q is neither an address nor an a-b range", req.IP)
	}
	if key.SignedObjectID == "" || key.SignedTenantID == "" || key.SignedService == "" ||
		key.SignedVersion == "" || key.Value == "" || key.SignedStart.IsZero() || key.SignedExpiry.IsZero() {
		return nil, nil, apperr.New(apperr.SignatureOrConfig, "sign", "delegation key is missing required fields")
	}
	secret, err := base64.StdEncoding.DecodeString(key.Value)
	if err != nil {
		return nil, nil, apperr.New(apperr.SignatureOrConfig, "sign", "delegation key secret is not valid base64").WithCause(err)
	}
	perms, err := NormalizePermissions(req.Permissions, req.ContainerLevel)
	if err != nil {
		return nil, nil, err
	}
	if req.ContainerLevel {
		req.BlobPath = ""
	}
	return &signing{req: req, key: key, permissions: perms}, secret, nil
}

func (s *signing) stringToSign() string {
	lines := make([]string, len(fields20221102))
	for i, f := range fields20221102 {
		lines[i] = f.value(s)
	}
	return strings.Join(lines, "\n")
}

func (s *signing) query(sig string) url.Values {
	q := url.Values{}
	for _, f := range fields20221102 {
		if f.param == "" {
			continue
		}
		if v := f.value(s); v != "" {
			q.Set(f.param, v)
		}
	}
	q.Set("sig", sig)
	return q
}

// StringToSign returns the canonical string Sign would authenticate.
func StringToSign(req Request, key models.DelegationKey) (string, error) {
	s, _, err := prepare(req, key)
	if err != nil {
		return "", err
	}
	return s.stringToSign(), nil
}

// ComputeSignature returns base64(HMAC-SHA256(secret, stringToSign)).
func ComputeSignature(secret []byte, stringToSign string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Sign builds the capability URL for req using key.
func Sign(req Request, key models.DelegationKey) (models.CapabilityURL, error) {
	s, secret, err := prepare(req, key)
	if err != nil {
		return models.CapabilityURL{}, err
	}
	if req.Endpoint == "" {
		return models.CapabilityURL{}, apperr.New(apperr.SignatureOrConfig, "sign", "service endpoint is required")
	}

	sig := ComputeSignature(secret, s.stringToSign())
	base := strings.TrimSuffix(req.Endpoint, "/") + "/" + url.PathEscape(req.Container)
	if !req.ContainerLevel {
		base += "/" + escapePath(req.BlobPath)
	}
	return models.CapabilityURL{
		URL:         base + "?" + s.query(sig).Encode(),
		Permissions: s.permissions,
		StartsAt:    req.Start.UTC(),
		ExpiresAt:   req.Expiry.UTC(),
	}, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return strings.Join(parts, "/")
}
