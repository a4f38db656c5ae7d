package services

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"time"

	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/models"
)

// delegationTimeFormat is the timestamp layout of the key-info document.
const delegationTimeFormat = "2006-01-02T15:04:05Z"

type keyInfo struct {
	XMLName xml.Name `xml:"KeyInfo"`
	Start   string   `xml:"Start"`
	Expiry  string   `xml:"Expiry"`
}

type userDelegationKey struct {
	XMLName       xml.Name `xml:"UserDelegationKey"`
	SignedOid     string   `xml:"SignedOid"`
	SignedTid     string   `xml:"SignedTid"`
	SignedStart   string   `xml:"SignedStart"`
	SignedExpiry  string   `xml:"SignedExpiry"`
	SignedService string   `xml:"SignedService"`
	SignedVersion string   `xml:"SignedVersion"`
	Value         string   `xml:"Value"`
}

// GetUserDelegationKey asks the service for a signing key valid over
// [start, expiry]. Only interactive bearer credentials may request one.
//
// The SDK's service client wraps the key in a credential whose fields are
// unexported, so the request is issued directly and the document decoded here.
func (s *AzureBlobStore) GetUserDelegationKey(ctx context.Context, start, expiry time.Time) (models.DelegationKey, error) {
	const op = "delegation-key"
	cred, err := s.supplier.Credential(ctx)
	if err != nil {
		return models.DelegationKey{}, apperr.New(apperr.SignatureOrConfig, op, "credential supplier failed").WithCause(err)
	}
	if cred.IsCapability() || cred.BearerToken == "" {
		return models.DelegationKey{}, apperr.New(apperr.SignatureOrConfig, op,
			"a delegation key needs an interactive bearer credential; capability sessions cannot mint new links")
	}

	doc, err := xml.Marshal(keyInfo{
		Start:  start.UTC().Format(delegationTimeFormat),
		Expiry: expiry.UTC().Format(delegationTimeFormat),
	})
	if err != nil {
		return models.DelegationKey{}, apperr.New(apperr.SignatureOrConfig, op, "cannot encode key request").WithCause(err)
	}
	payload := append([]byte(xml.Header), doc...)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint+"/?restype=service&comp=userdelegationkey", bytes.NewReader(payload))
	if err != nil {
		return models.DelegationKey{}, apperr.New(apperr.SignatureOrConfig, op, "cannot build request").WithCause(err)
	}
	req.ContentLength = int64(len(payload))
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Authorization", "Bearer "+cred.BearerToken)
	req.Header.Set("x-ms-version", s.cfg.APIVersion)
	req.Header.Set("x-ms-date", time.Now().UTC().Format(http.TimeFormat))

	begin := time.Now()
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		err = apperr.Unreachable(op, "", err)
		s.metrics.ObserveBackend("azure", op, begin, err)
		return models.DelegationKey{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusMultipleChoices {
		aerr := classifyResponse(op, "", resp, false)
		s.metrics.ObserveBackend("azure", op, begin, aerr)
		return models.DelegationKey{}, aerr
	}
	s.metrics.ObserveBackend("azure", op, begin, nil)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.DelegationKey{}, apperr.Unreachable(op, "", err)
	}
	var udk userDelegationKey
	if err := xml.Unmarshal(bytes.TrimPrefix(raw, utf8BOM), &udk); err != nil {
		return models.DelegationKey{}, apperr.New(apperr.BackendError, op, "malformed delegation key document").WithCause(err)
	}

	key := models.DelegationKey{
		SignedObjectID: udk.SignedOid,
		SignedTenantID: udk.SignedTid,
		SignedService:  udk.SignedService,
		SignedVersion:  udk.SignedVersion,
		Value:          udk.Value,
	}
	if key.SignedStart, err = time.Parse(time.RFC3339, udk.SignedStart); err != nil {
		return models.DelegationKey{}, apperr.New(apperr.BackendError, op, "bad SignedStart").WithCause(err)
	}
	if key.SignedExpiry, err = time.Parse(time.RFC3339, udk.SignedExpiry); err != nil {
		return models.DelegationKey{}, apperr.New(apperr.BackendError, op, "bad SignedExpiry").WithCause(err)
	}
	return key, nil
}
