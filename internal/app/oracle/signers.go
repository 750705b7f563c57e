package oracle

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/coachpo/kora/errs"
)

// SignerSet is the configured threshold KMS committee. It is immutable; updates
// replace the whole set.
type SignerSet struct {
	signers   []common.Address
	members   map[common.Address]struct{}
	threshold int
}

// NewSignerSet validates a t-of-n committee.
func NewSignerSet(signers []common.Address, threshold int) (*SignerSet, error) {
	if len(signers) == 0 {
		return nil, fmt.Errorf("oracle: signer set empty")
	}
	if threshold <= 0 || threshold > len(signers) {
		return nil, fmt.Errorf("oracle: threshold %d outside 1..%d", threshold, len(signers))
	}
	set := &SignerSet{members: make(map[common.Address]struct{}, len(signers)), threshold: threshold}
	for _, s := range signers {
		if s == (common.Address{}) {
			return nil, fmt.Errorf("oracle: zero signer address")
		}
		if _, dup := set.members[s]; dup {
			return nil, fmt.Errorf("oracle: duplicate signer %s", s.Hex())
		}
		set.members[s] = struct{}{}
		set.signers = append(set.signers, s)
	}
	return set, nil
}

// Signers returns the committee in configuration order.
func (s *SignerSet) Signers() []common.Address {
	return append([]common.Address(nil), s.signers...)
}

// Threshold returns the number of distinct signatures required.
func (s *SignerSet) Threshold() int { return s.threshold }

// Digest is keccak256(abi.encode(uint256 requestId, uint256[] cleartexts...)) with each
// value as a 32-byte word.
func Digest(requestID uint64, cleartexts []uint64) common.Hash {
	parts := make([][]byte, 0, 1+len(cleartexts))
	parts = append(parts, common.BigToHash(new(big.Int).SetUint64(requestID)).Bytes())
	for _, v := range cleartexts {
		parts = append(parts, common.BigToHash(new(big.Int).SetUint64(v)).Bytes())
	}
	return crypto.Keccak256Hash(parts...)
}

// Sign produces a 65-byte [R || S || V] signature over the response digest.
func Sign(key *ecdsa.PrivateKey, requestID uint64, cleartexts []uint64) ([]byte, error) {
	digest := Digest(requestID, cleartexts)
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("oracle: sign: %w", err)
	}
	return sig, nil
}

// Verify requires at least threshold distinct committee members to have signed
// (requestID, cleartexts). Malformed and foreign signatures do not count.
func (s *SignerSet) Verify(requestID uint64, cleartexts []uint64, signatures [][]byte) error {
	digest := Digest(requestID, cleartexts)
	seen := make(map[common.Address]struct{}, len(signatures))
	for _, raw := range signatures {
		if len(raw) != crypto.SignatureLength {
			continue
		}
		sig := append([]byte(nil), raw...)
		if sig[crypto.RecoveryIDOffset] >= 27 {
			sig[crypto.RecoveryIDOffset] -= 27
		}
		pub, err := crypto.SigToPub(digest.Bytes(), sig)
		if err != nil {
			continue
		}
		addr := crypto.PubkeyToAddress(*pub)
		if _, ok := s.members[addr]; ok {
			seen[addr] = struct{}{}
		}
	}
	if len(seen) < s.threshold {
		return ErrInvalidKMSSignatures.With(
			errs.WithField("request_id", strconv.FormatUint(requestID, 10)),
			errs.WithField("valid", strconv.Itoa(len(seen))),
			errs.WithField("threshold", strconv.Itoa(s.threshold)),
		)
	}
	return nil
}
