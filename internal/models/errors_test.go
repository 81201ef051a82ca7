package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Wrap(ErrAlreadyTipped, errors.New("duplicate key"))
	wrapped := fmt.Errorf("record tip: %w", err)

	if !errors.Is(wrapped, ErrAlreadyTipped) {
		t.Fatal("expected wrapped error to match ErrAlreadyTipped")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Fatal("did not expect wrapped error to match ErrNotFound")
	}

	got, ok := AsError(wrapped)
	if !ok {
		t.Fatal("expected AsError to find *Error")
	}
	if got.Kind() != KindIdempotency {
		t.Errorf("expected kind %s, got %s", KindIdempotency, got.Kind())
	}
}

func TestEveryCodeHasKind(t *testing.T) {
	for _, e := range []*Error{
		ErrMissingPermission, ErrMissingSignature, ErrMalformedData, ErrNotYetStarted, ErrExpired,
		ErrAlreadyTipped, ErrInvalidSignature, ErrMalformedSignature, ErrSettlementRejected,
		ErrSettlementUnreachable, ErrApprovalPartial, ErrNotFound, ErrConstraintViolation, ErrStorageFailure,
	} {
		if e.Kind() == "" {
			t.Errorf("code %s has no kind", e.Code)
		}
	}
}

func TestRetryableOnlyForUnreachable(t *testing.T) {
	if !Wrap(ErrSettlementUnreachable, nil).Retryable() {
		t.Error("unreachable settlement should be retryable")
	}
	if Wrap(ErrSettlementRejected, nil).Retryable() {
		t.Error("rejected settlement must not be retryable")
	}
}

func TestErrorMessageCarriesTxHash(t *testing.T) {
	err := Wrap(ErrSettlementUnreachable, errors.New("deadline exceeded")).WithTxHash("0xabc")
	want := "SETTLEMENT_UNREACHABLE: settlement outcome unknown, re-query the transaction before retrying (tx 0xabc): deadline exceeded"
	if err.Error() != want {
		t.Errorf("unexpected message:\n got %q\nwant %q", err.Error(), want)
	}
}

func TestWithTxHashLeavesSentinelUntouched(t *testing.T) {
	err := ErrAlreadyTipped.WithTxHash("0xabc")
	if err == ErrAlreadyTipped {
		t.Fatal("expected a copy of the sentinel")
	}
	if err.TxHash != "0xabc" {
		t.Errorf("expected tx hash on the copy, got %q", err.TxHash)
	}
	if ErrAlreadyTipped.TxHash != "" {
		t.Errorf("sentinel was modified: %q", ErrAlreadyTipped.TxHash)
	}
	if !errors.Is(err, ErrAlreadyTipped) {
		t.Error("copy must still match the sentinel")
	}
}
