// Package permission classifies a user's stored authorization record.
//
// Classification is pure: it performs no I/O, never panics and maps every
// absence or malformation to a status value, because it gates a user-facing
// read path that has to degrade gracefully.
package permission

import (
	"math/big"
	"time"

	"github.com/core-coin/tributum/internal/models"
)

// Code is the outcome of a classification.
type Code string

const (
	Valid             Code = "VALID"
	MissingPermission Code = "MISSING_PERMISSION"
	MissingSignature  Code = "MISSING_SIGNATURE"
	MalformedData     Code = "MALFORMED_DATA"
	NotYetStarted     Code = "NOT_YET_STARTED"
	Expired           Code = "EXPIRED"
)

// Status is the classification of an authorization record at a point in time.
type Status struct {
	Code Code
	// Variant is empty when there is no record at all.
	Variant models.Variant
	// Boundary is validFrom for NotYetStarted and validUntil for Expired.
	Boundary *time.Time
}

// Valid reports whether settlement may proceed.
func (s Status) Valid() bool {
	return s.Code == Valid
}

var codeErrors = map[Code]*models.Error{
	MissingPermission: models.ErrMissingPermission,
	MissingSignature:  models.ErrMissingSignature,
	MalformedData:     models.ErrMalformedData,
	NotYetStarted:     models.ErrNotYetStarted,
	Expired:           models.ErrExpired,
}

// Err converts a non-valid status into a permission error. It returns nil for Valid.
func (s Status) Err() error {
	if s.Code == Valid {
		return nil
	}
	sentinel, ok := codeErrors[s.Code]
	if !ok {
		sentinel = models.ErrMalformedData
	}
	err := models.Wrap(sentinel, nil)
	if s.Boundary != nil {
		err.Message += " (" + s.Boundary.UTC().Format(time.RFC3339) + ")"
	}
	return err
}

// Classify computes the permission status of rec at now.
func Classify(rec *models.AuthorizationRecord, now time.Time) Status {
	if rec == nil {
		return Status{Code: MissingPermission}
	}

	switch rec.Variant {
	case models.VariantStandingApproval:
		return classifyStandingApproval(rec.StandingApproval)
	case models.VariantDelegatedSpend:
		return classifyDelegatedSpend(rec.DelegatedSpend, now)
	default:
		return Status{Code: MalformedData, Variant: rec.Variant}
	}
}

// Standing approvals have no expiry; presence of the owner or the grant
// marker is enough. Remaining on-chain allowance is not checked.
func classifyStandingApproval(sa *models.StandingApproval) Status {
	status := Status{Variant: models.VariantStandingApproval}
	if sa == nil || (sa.OwnerWallet == "" && len(sa.Grant) == 0) {
		status.Code = MissingPermission
		return status
	}
	status.Code = Valid
	return status
}

func classifyDelegatedSpend(ds *models.DelegatedSpend, now time.Time) Status {
	status := Status{Variant: models.VariantDelegatedSpend}
	switch {
	case ds == nil:
		status.Code = MissingPermission
	case ds.Signature == "":
		status.Code = MissingSignature
	case ds.Account == "" || ds.Spender == "" || ds.Token == "":
		status.Code = MalformedData
	case ds.ValidFrom == nil || ds.ValidUntil == nil:
		status.Code = MalformedData
	default:
		current := big.NewInt(now.Unix())
		switch {
		case current.Cmp(ds.ValidFrom) < 0:
			status.Code = NotYetStarted
			status.Boundary = boundary(ds.ValidFrom)
		case current.Cmp(ds.ValidUntil) > 0:
			status.Code = Expired
			status.Boundary = boundary(ds.ValidUntil)
		default:
			status.Code = Valid
		}
	}
	return status
}

// maxBoundary is the uint48 maximum, used by clients to mean "never expires".
var maxBoundary = new(big.Int).SetUint64(1<<48 - 1)

func boundary(ts *big.Int) *time.Time {
	if !ts.IsInt64() || ts.Cmp(maxBoundary) >= 0 {
		return nil
	}
	t := time.Unix(ts.Int64(), 0).UTC()
	return &t
}
