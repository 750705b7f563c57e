package mockfhe

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/fhe"
)

const (
	signatureLength = 65
	maxProofHandles = 255
)

// EncryptInput encrypts values for use by contract on behalf of user. All returned
// externals share one proof signed by the input signer.
func (c *Coprocessor) EncryptInput(contract, user common.Address, values ...uint64) ([]fhe.External, error) {
	if len(values) == 0 || len(values) > maxProofHandles {
		return nil, fmt.Errorf("mockfhe: input carries %d values, want 1..%d", len(values), maxProofHandles)
	}
	handles := make([]fhe.Handle, len(values))
	c.mu.Lock()
	for i, v := range values {
		handles[i] = c.allocLocked(fhe.KindUint64, v, opInput, nil, v)
	}
	c.mu.Unlock()

	sig, err := crypto.Sign(inputDigest(contract, user, handles), c.inputKey)
	if err != nil {
		return nil, fmt.Errorf("mockfhe: sign input proof: %w", err)
	}
	proof := make([]byte, 0, 1+len(handles)*32+len(sig))
	proof = append(proof, byte(len(handles)))
	for _, h := range handles {
		proof = append(proof, h[:]...)
	}
	proof = append(proof, sig...)

	out := make([]fhe.External, len(handles))
	for i, h := range handles {
		out[i] = fhe.External{Handle: h, Proof: proof}
	}
	return out, nil
}

// FromExternal checks that the proof was issued for (contract, user) and lists the handle.
func (c *Coprocessor) FromExternal(in fhe.External, contract, user common.Address) (fhe.Euint64, error) {
	handles, sig, err := splitProof(in.Proof)
	if err != nil {
		return fhe.Euint64{}, fhe.ErrInvalidInputProof.With(errs.WithCause(err))
	}
	listed := false
	for _, h := range handles {
		if h == in.Handle {
			listed = true
			break
		}
	}
	if !listed {
		return fhe.Euint64{}, fhe.ErrInvalidInputProof.With(errs.WithField("handle", in.Handle.Hex()), errs.WithField("reason", "handle not in proof"))
	}
	pub, err := crypto.SigToPub(inputDigest(contract, user, handles), sig)
	if err != nil {
		return fhe.Euint64{}, fhe.ErrInvalidInputProof.With(errs.WithCause(err))
	}
	if crypto.PubkeyToAddress(*pub) != c.inputAddr {
		return fhe.Euint64{}, fhe.ErrInvalidInputProof.With(errs.WithField("reason", "proof not bound to contract and user"))
	}
	c.mu.RLock()
	_, err = c.lookupLocked(in.Handle, fhe.KindUint64)
	c.mu.RUnlock()
	if err != nil {
		return fhe.Euint64{}, err
	}
	return fhe.AsEuint64Handle(in.Handle)
}

func inputDigest(contract, user common.Address, handles []fhe.Handle) []byte {
	parts := make([][]byte, 0, 2+len(handles))
	parts = append(parts, contract.Bytes(), user.Bytes())
	for i := range handles {
		parts = append(parts, handles[i][:])
	}
	return crypto.Keccak256(parts...)
}

func splitProof(proof []byte) ([]fhe.Handle, []byte, error) {
	if len(proof) < 1 {
		return nil, nil, fmt.Errorf("empty proof")
	}
	n := int(proof[0])
	want := 1 + n*32 + signatureLength
	if n == 0 || len(proof) != want {
		return nil, nil, fmt.Errorf("proof length %d, want %d", len(proof), want)
	}
	handles := make([]fhe.Handle, n)
	for i := range handles {
		copy(handles[i][:], proof[1+i*32:1+(i+1)*32])
	}
	return handles, proof[1+n*32:], nil
}
