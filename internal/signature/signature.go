package signature

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/core-coin/tributum/internal/models"
)

// Verifier checks permission signatures under a fixed domain.
type Verifier struct {
	Domain Domain
}

// NewVerifier creates a verifier bound to domain.
func NewVerifier(domain Domain) *Verifier {
	return &Verifier{Domain: domain}
}

// Verify reports whether sig over perm was produced by signer.
func (v *Verifier) Verify(perm *models.SpendPermission, sig string, signer common.Address) (bool, error) {
	return Verify(perm, sig, signer, v.Domain)
}

// Verify reports whether sig is signer's EIP-712 signature over perm in domain.
// Any mismatch (tampered field, other domain, chain or contract) yields false.
// A signature that cannot be decoded or recovered yields ErrMalformedSignature.
func Verify(perm *models.SpendPermission, sig string, signer common.Address, domain Domain) (bool, error) {
	raw, err := DecodeSignature(sig)
	if err != nil {
		return false, err
	}

	digest, err := Digest(perm, domain)
	if err != nil {
		return false, models.NewError(models.CodeMalformedData, "cannot hash permission", err)
	}

	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return false, models.Wrap(models.ErrMalformedSignature, err)
	}

	return crypto.PubkeyToAddress(*pub) == signer, nil
}

// DecodeSignature parses a 0x-hex 65 byte [R || S || V] signature and
// normalizes V to 0/1. Both 0/1 and 27/28 recovery ids are accepted.
func DecodeSignature(sig string) ([]byte, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return nil, models.Wrap(models.ErrMalformedSignature, fmt.Errorf("signature is not 0x-prefixed hex: %w", err))
	}
	if len(raw) != crypto.SignatureLength {
		return nil, models.Wrap(models.ErrMalformedSignature, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(raw)))
	}
	if raw[crypto.RecoveryIDOffset] >= 27 {
		raw[crypto.RecoveryIDOffset] -= 27
	}
	if raw[crypto.RecoveryIDOffset] > 1 {
		return nil, models.Wrap(models.ErrMalformedSignature, fmt.Errorf("invalid recovery id %d", raw[crypto.RecoveryIDOffset]))
	}
	return raw, nil
}

// Sign produces a 0x-hex signature over perm with V in {27, 28}, the form
// wallets return from eth_signTypedData_v4.
func Sign(privateKey *ecdsa.PrivateKey, perm *models.SpendPermission, domain Domain) (string, error) {
	digest, err := Digest(perm, domain)
	if err != nil {
		return "", err
	}

	sig, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign permission: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return hexutil.Encode(sig), nil
}
