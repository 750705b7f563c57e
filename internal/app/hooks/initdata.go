package hooks

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/fhe"
)

// ErrMalformedInitData reports an initializer that is not a (owner, handle, proof) tuple.
var ErrMalformedInitData = errs.New("hooks", errs.CodeInvalid, errs.WithMessage("malformed hook initializer"))

// InitData is the fixed initializer tuple consumed by every hook.
type InitData struct {
	Owner common.Address
	Param fhe.External
}

// EncodeInitData lays the tuple out as owner(32) | handle(32) | len(32) | proof.
func EncodeInitData(d InitData) []byte {
	out := make([]byte, 96, 96+len(d.Param.Proof))
	copy(out[12:32], d.Owner.Bytes())
	copy(out[32:64], d.Param.Handle[:])
	binary.BigEndian.PutUint64(out[88:96], uint64(len(d.Param.Proof)))
	return append(out, d.Param.Proof...)
}

// DecodeInitData is the inverse of EncodeInitData.
func DecodeInitData(data []byte) (InitData, error) {
	if len(data) < 96 {
		return InitData{}, ErrMalformedInitData.With(errs.WithField("reason", "short header"))
	}
	for _, b := range data[:12] {
		if b != 0 {
			return InitData{}, ErrMalformedInitData.With(errs.WithField("reason", "dirty owner padding"))
		}
	}
	for _, b := range data[64:88] {
		if b != 0 {
			return InitData{}, ErrMalformedInitData.With(errs.WithField("reason", "proof length overflow"))
		}
	}
	n := binary.BigEndian.Uint64(data[88:96])
	if uint64(len(data)-96) != n {
		return InitData{}, ErrMalformedInitData.With(errs.WithField("reason", "proof length mismatch"))
	}
	var d InitData
	d.Owner = common.BytesToAddress(data[12:32])
	if d.Owner == (common.Address{}) {
		return InitData{}, ErrMalformedInitData.With(errs.WithField("reason", "zero owner"))
	}
	copy(d.Param.Handle[:], data[32:64])
	d.Param.Proof = append([]byte(nil), data[96:]...)
	return d, nil
}
