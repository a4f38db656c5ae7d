package sas

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testKey() models.DelegationKey {
	return models.DelegationKey{
		SignedObjectID: "oid-1",
		SignedTenantID: "tid-1",
		SignedStart:    time.Date(2024, 5, 1, 9, 55, 0, 0, time.UTC),
		SignedExpiry:   time.Date(2024, 5, 8, 9, 55, 0, 0, time.UTC),
		SignedService:  "b",
		SignedVersion:  "2022-11-02",
		Value:          "c2VjcmV0LWtleS1ieXRlcy0wMTIzNDU2Nzg5YWJjZGVm",
	}
}

func testRequest() Request {
	return Request{
		Endpoint:    "https://acct.blob.core.windows.net",
		Account:     "acct",
		Container:   "photos",
		BlobPath:    "2024/a.jpg",
		Permissions: "r",
		Start:       time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Expiry:      time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestStringToSign_FieldOrder(t *testing.T) {
	got, err := StringToSign(testRequest(), testKey())
	require.NoError(t, err)

	want := strings.Join([]string{
		"r",
		"2024-05-01T10:00:00Z",
		"2024-05-02T10:00:00Z",
		"/blob/acct/photos/2024/a.jpg",
		"oid-1",
		"tid-1",
		"2024-05-01T09:55:00Z",
		"2024-05-08T09:55:00Z",
		"b",
		"2022-11-02",
		"", "", "",
		"",
		"https",
		"2022-11-02",
		"b",
		"", "",
		"", "", "", "", "",
	}, "\n")
	assert.Equal(t, want, got)
}

func TestSign_KnownVector(t *testing.T) {
	link, err := Sign(testRequest(), testKey())
	require.NoError(t, err)

	u, err := url.Parse(link.URL)
	require.NoError(t, err)
	assert.Equal(t, "/photos/2024/a.jpg", u.Path)
	assert.Equal(t, "8UB66DNlLoAGokFKNLHYa8Esy4QpkIsYyFYjBt89LuY=", u.Query().Get("sig"))
}

// Rebuilds the canonical string from nothing but the URL and the key, then
// checks the signature. Any field signed but not sent (or sent but not signed)
// breaks this.
func TestSign_RoundTripFromQuery(t *testing.T) {
	req := testRequest()
	req.IP = "10.0.0.1-10.0.0.9"
	req.Permissions = "wr"
	key := testKey()

	link, err := Sign(req, key)
	require.NoError(t, err)
	u, err := url.Parse(link.URL)
	require.NoError(t, err)
	q := u.Query()

	rebuilt := strings.Join([]string{
		q.Get("sp"), q.Get("st"), q.Get("se"),
		"/blob/acct" + u.Path,
		q.Get("skoid"), q.Get("sktid"), q.Get("skt"), q.Get("ske"), q.Get("sks"), q.Get("skv"),
		q.Get("saoid"), q.Get("suoid"), q.Get("scid"),
		q.Get("sip"), q.Get("spr"), q.Get("sv"), q.Get("sr"),
		"", q.Get("ses"),
		q.Get("rscc"), q.Get("rscd"), q.Get("rsce"), q.Get("rscl"), q.Get("rsct"),
	}, "\n")

	secret := []byte("secret-key-bytes-0123456789abcdef")
	assert.Equal(t, ComputeSignature(secret, rebuilt), q.Get("sig"))
	assert.Equal(t, "rw", q.Get("sp"))
	assert.Equal(t, "https", q.Get("spr"))
	assert.Equal(t, Version, q.Get("sv"))
	assert.Equal(t, "b", q.Get("sr"))
}

func TestSign_OmitsUnusedOptionalParams(t *testing.T) {
	req := testRequest()
	req.Start = time.Time{}
	link, err := Sign(req, testKey())
	require.NoError(t, err)

	u, err := url.Parse(link.URL)
	require.NoError(t, err)
	q := u.Query()
	for _, p := range []string{"st", "sip", "saoid", "suoid", "scid", "ses", "rscc", "rscd", "rsce", "rscl", "rsct"} {
		_, present := q[p]
		assert.False(t, present, "parameter %s should be absent", p)
	}
}

func TestSign_Deterministic(t *testing.T) {
	a, err := Sign(testRequest(), testKey())
	require.NoError(t, err)
	b, err := Sign(testRequest(), testKey())
	require.NoError(t, err)
	assert.Equal(t, a.URL, b.URL)
}

func TestSign_SensitiveToEverySignedField(t *testing.T) {
	base, err := Sign(testRequest(), testKey())
	require.NoError(t, err)
	baseSig := sigOf(t, base.URL)

	mutations := map[string]func(r *Request){
		"expiry":     func(r *Request) { r.Expiry = r.Expiry.Add(time.Second) },
		"permission": func(r *Request) { r.Permissions = "rw" },
		"ip":         func(r *Request) { r.IP = "10.0.0.1" },
		"path":       func(r *Request) { r.BlobPath = "2024/b.jpg" },
		"start":      func(r *Request) { r.Start = r.Start.Add(time.Minute) },
		"container":  func(r *Request) { r.ContainerLevel = true; r.Permissions = "rl" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			req := testRequest()
			mutate(&req)
			link, err := Sign(req, testKey())
			require.NoError(t, err)
			assert.NotEqual(t, baseSig, sigOf(t, link.URL))
		})
	}
}

func sigOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("sig")
}

func TestSign_ContainerLevel(t *testing.T) {
	req := testRequest()
	req.ContainerLevel = true
	req.Permissions = "lr"

	got, err := StringToSign(req, testKey())
	require.NoError(t, err)
	lines := strings.Split(got, "\n")
	assert.Equal(t, "rl", lines[0])
	assert.Equal(t, "/blob/acct/photos", lines[3])
	assert.Equal(t, "c", lines[16])

	link, err := Sign(req, testKey())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link.URL, "https://acct.blob.core.windows.net/photos?"))
}

func TestNormalizePermissions(t *testing.T) {
	tests := []struct {
		in        string
		container bool
		want      string
		wantErr   bool
	}{
		{"r", false, "r", false},
		{"wr", false, "rw", false},
		{"dwrc", false, "rcwd", false},
		{"rr", false, "r", false},
		{"lr", true, "rl", false},
		{"iyxr", false, "rxyi", false},
		{"fitlr", true, "rltfi", false},
		{"y", true, "", true},
		{"f", false, "", true},
		{"l", false, "", true},
		{"rz", false, "", true},
		{"", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePermissions(tt.in, tt.container)
			if tt.wantErr {
				assert.Equal(t, apperr.SignatureOrConfig, apperr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSign_RejectsBadInput(t *testing.T) {
	tests := map[string]func(r *Request, k *models.DelegationKey){
		"missing account":   func(r *Request, k *models.DelegationKey) { r.Account = "" },
		"missing blob":      func(r *Request, k *models.DelegationKey) { r.BlobPath = "" },
		"missing expiry":    func(r *Request, k *models.DelegationKey) { r.Expiry = time.Time{} },
		"expiry not after":  func(r *Request, k *models.DelegationKey) { r.Expiry = r.Start },
		"missing key oid":   func(r *Request, k *models.DelegationKey) { k.SignedObjectID = "" },
		"secret not base64": func(r *Request, k *models.DelegationKey) { k.Value = "%%%" },
		"missing endpoint":  func(r *Request, k *models.DelegationKey) { r.Endpoint = "" },
		"cidr ip":           func(r *Request, k *models.DelegationKey) { r.IP = "10.0.0.0/24" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			req, key := testRequest(), testKey()
			mutate(&req, &key)
			_, err := Sign(req, key)
			assert.Equal(t, apperr.SignatureOrConfig, apperr.KindOf(err))
		})
	}
}

func TestValidIPRange(t *testing.T) {
	for _, ok := range []string{"10.0.0.1", "10.0.0.1-10.0.0.9", "10.0.0.1-10.0.0.1", "2001:db8::1", "2001:db8::1-2001:db8::ff"} {
		assert.True(t, ValidIPRange(ok), ok)
	}
	for _, bad := range []string{"", "10.0.0.0/24", "10.0.0.9-10.0.0.1", "10.0.0.1-2001:db8::1", "10.0.0.1-", "host", "fe80::1%eth0"} {
		assert.False(t, ValidIPRange(bad), bad)
	}
}

type mockKeyRequester struct {
	mock.Mock
}

func (m *mockKeyRequester) GetUserDelegationKey(ctx context.Context, start, expiry time.Time) (models.DelegationKey, error) {
	args := m.Called(ctx, start, expiry)
	return args.Get(0).(models.DelegationKey), args.Error(1)
}

func TestRequestDelegationKey_ClampsWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	kr := new(mockKeyRequester)
	kr.On("GetUserDelegationKey", mock.Anything, now.Add(-DefaultClockSkew), now.Add(MaxKeyWindow)).
		Return(testKey(), nil)

	_, err := RequestDelegationKey(context.Background(), kr, now.Add(30*24*time.Hour), now, Policy{})
	require.NoError(t, err)
	kr.AssertExpectations(t)
}

func TestRequestDelegationKey_KeepsShorterExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	kr := new(mockKeyRequester)
	kr.On("GetUserDelegationKey", mock.Anything, now.Add(-time.Minute), now.Add(time.Hour)).
		Return(testKey(), nil)

	_, err := RequestDelegationKey(context.Background(), kr, now.Add(time.Hour), now, Policy{ClockSkew: time.Minute})
	require.NoError(t, err)
	kr.AssertExpectations(t)
}

func TestRequestDelegationKey_RejectsPastExpiry(t *testing.T) {
	now := time.Now()
	_, err := RequestDelegationKey(context.Background(), new(mockKeyRequester), now.Add(-time.Minute), now, Policy{})
	assert.Equal(t, apperr.SignatureOrConfig, apperr.KindOf(err))
}

type fakeTarget struct {
	mockKeyRequester
}

func (fakeTarget) Account() string   { return "acct" }
func (fakeTarget) Container() string { return "photos" }
func (fakeTarget) Endpoint() string  { return "https://acct.blob.core.windows.net" }

func TestShareService_ClampsLinkToKey(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	target := &fakeTarget{}
	key := testKey()
	target.On("GetUserDelegationKey", mock.Anything, mock.Anything, mock.Anything).Return(key, nil)

	svc := NewShareService(target, Policy{})
	svc.now = func() time.Time { return now }

	link, err := svc.Share(context.Background(), models.ShareRequest{
		Path:        "2024/a.jpg",
		Permissions: "r",
		Expiry:      now.Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, link.ExpiresAt.Equal(key.SignedExpiry))
	assert.True(t, link.StartsAt.Equal(key.SignedStart))
	assert.Contains(t, link.URL, "/photos/2024/a.jpg?")
}

func TestShareService_PropagatesKeyFailure(t *testing.T) {
	target := &fakeTarget{}
	target.On("GetUserDelegationKey", mock.Anything, mock.Anything, mock.Anything).
		Return(models.DelegationKey{}, apperr.Denied("delegation-key", "", 403, false))

	svc := NewShareService(target, Policy{})
	_, err := svc.Share(context.Background(), models.ShareRequest{Path: "a", Permissions: "r", Expiry: time.Now().Add(time.Hour)})
	assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))
}
