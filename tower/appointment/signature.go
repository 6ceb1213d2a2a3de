package appointment

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// ErrSignatureMismatch marks a customer signature that recovers to a
// different address than the appointment names.
var ErrSignatureMismatch = errors.New("signature does not recover to customer address")

// RecoverTextSigner returns the address that signed the personal-message
// form of msg. Recovery ids 0/1 and the wallet convention 27/28 are both
// accepted.
func RecoverTextSigner(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.Errorf("signature has %d bytes, want %d", len(sig), crypto.SignatureLength)
	}
	s := make([]byte, crypto.SignatureLength)
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), s)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "could not recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RecoverSigner returns the address that signed the personal-message form of
// digest.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	return RecoverTextSigner(digest.Bytes(), sig)
}

// SignText signs the personal-message form of msg, returning a signature in
// the 27/28 wallet convention.
func SignText(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return nil, errors.Wrap(err, "could not sign message")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignDigest signs the personal-message form of digest. Used by the tower to
// countersign receipts and by tests to impersonate customers.
func SignDigest(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	return SignText(digest.Bytes(), key)
}

// VerifyCustomerSignature checks that the appointment's customer signature
// recovers to its customer address under the given tower contract.
func (a *Appointment) VerifyCustomerSignature(towerContract common.Address) error {
	digest, err := a.Digest(towerContract)
	if err != nil {
		return err
	}
	recovered, err := RecoverSigner(digest, a.CustomerSig)
	if err != nil {
		return err
	}
	if recovered != a.CustomerAddress {
		return errors.Wrapf(ErrSignatureMismatch, "recovered %#x", recovered)
	}
	return nil
}

// SignReceipt countersigns an accepted appointment with the tower's key.
func (a *Appointment) SignReceipt(key *ecdsa.PrivateKey, towerContract common.Address) ([]byte, error) {
	digest, err := a.Digest(towerContract)
	if err != nil {
		return nil, err
	}
	return SignDigest(digest, key)
}
