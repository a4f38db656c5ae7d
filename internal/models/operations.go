package models

import "time"

// ConflictDecision is the operator's answer for an occupied destination. It is
// only meaningful inside the bulk call that asked for it.
type ConflictDecision int

const (
	DecisionSkip ConflictDecision = iota
	DecisionOverwrite
	DecisionOverwriteAll
)

func (d ConflictDecision) String() string {
	switch d {
	case DecisionOverwrite:
		return "overwrite"
	case DecisionOverwriteAll:
		return "overwriteAll"
	default:
		return "skip"
	}
}

// ParseConflictDecision maps the API spelling to a decision.
func ParseConflictDecision(s string) (ConflictDecision, bool) {
	switch s {
	case "skip", "":
		return DecisionSkip, true
	case "overwrite":
		return DecisionOverwrite, true
	case "overwriteAll":
		return DecisionOverwriteAll, true
	}
	return DecisionSkip, false
}

// TransferMode selects copy or move for a bulk transfer.
type TransferMode string

const (
	ModeCopy TransferMode = "copy"
	ModeMove TransferMode = "move"
)

// TransferItem is one file key or folder prefix selected for a bulk transfer.
type TransferItem struct {
	Path     string `json:"path"`
	IsFolder bool   `json:"isFolder"`
}

// OutcomeStatus is what happened to one item of a bulk transfer.
type OutcomeStatus string

const (
	StatusCopied  OutcomeStatus = "copied"
	StatusMoved   OutcomeStatus = "moved"
	StatusSkipped OutcomeStatus = "skipped"
	StatusFailed  OutcomeStatus = "failed"
)

// ItemOutcome reports one item of a bulk transfer.
type ItemOutcome struct {
	Source      string        `json:"source"`
	Destination string        `json:"destination,omitempty"`
	Status      OutcomeStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Err         error         `json:"-"`
}

// BulkResult aggregates a bulk transfer. FirstFailure is the earliest failing
// item in input order, nil when everything succeeded or was skipped.
type BulkResult struct {
	OperationID  string        `json:"operationId"`
	Outcomes     []ItemOutcome `json:"outcomes"`
	FirstFailure *ItemOutcome  `json:"firstFailure,omitempty"`
}

// TreeResult reports a recursive folder operation.
type TreeResult struct {
	OperationID string `json:"operationId"`
	Source      string `json:"source"`
	Destination string `json:"destination,omitempty"`
	Copied      int    `json:"copied"`
	Deleted     int    `json:"deleted"`
	// SourceEmpty is set when nothing was found under Source: either a purely
	// virtual folder or a rerun of an operation that already completed.
	SourceEmpty bool `json:"sourceEmpty"`
}

// ArchiveEntry is one file placed into a download archive.
type ArchiveEntry struct {
	Path string
	Data []byte
}

// DelegationKey is a short-lived signing key issued by the backend control
// plane. It lives in memory for one signing operation only.
type DelegationKey struct {
	SignedObjectID string
	SignedTenantID string
	SignedStart    time.Time
	SignedExpiry   time.Time
	SignedService  string
	SignedVersion  string
	// Value is the base64-encoded secret.
	Value string
}

// CapabilityURL is a signed, time-bounded URL. Possession of the URL is the
// access grant until ExpiresAt; it cannot be revoked earlier.
type CapabilityURL struct {
	URL         string    `json:"url"`
	Permissions string    `json:"permissions"`
	StartsAt    time.Time `json:"startsAt,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ShareRequest describes a capability URL to mint. Path is a blob key, or a
// container-relative prefix when ContainerLevel is set.
type ShareRequest struct {
	Path           string    `json:"path"`
	ContainerLevel bool      `json:"containerLevel"`
	Permissions    string    `json:"permissions"`
	Start          time.Time `json:"start,omitempty"`
	Expiry         time.Time `json:"expiry"`
	IP             string    `json:"ip,omitempty"`
}
