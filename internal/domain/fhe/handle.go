// Package fhe defines encrypted value handles and the coprocessor contract used to
// compute on them without ever exposing plaintext to the engine.
package fhe

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/coachpo/kora/errs"
)

// Kind identifies the plaintext type a handle encrypts. It is carried in byte 30 of
// the handle.
type Kind uint8

const (
	KindBool   Kind = 0
	KindUint64 Kind = 5
)

// HandleVersion is written into byte 31 of every handle.
const HandleVersion byte = 0

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "ebool"
	case KindUint64:
		return "euint64"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	// ErrUnsupportedHandleKind reports an unknown, malformed or mistyped handle.
	ErrUnsupportedHandleKind = errs.Domain("fhe", errs.CodeInvalid, errs.CanonicalUnsupportedHandleKind)
	// ErrInvalidInputProof reports an external ciphertext whose proof does not bind it to the caller.
	ErrInvalidInputProof = errs.Domain("fhe", errs.CodeInvalid, errs.CanonicalInvalidInputProof)
)

// Handle is an opaque 32-byte ciphertext identifier.
type Handle [32]byte

// Kind returns the type tag embedded in the handle.
func (h Handle) Kind() Kind { return Kind(h[30]) }

// IsZero reports whether the handle is unset.
func (h Handle) IsZero() bool { return h == Handle{} }

// Hex returns the 0x-prefixed hex encoding.
func (h Handle) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Handle) String() string { return h.Hex() }

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle decodes a 0x-prefixed 32-byte hex string.
func ParseHandle(s string) (Handle, error) {
	var h Handle
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(raw) != len(h) {
		return Handle{}, ErrUnsupportedHandleKind.With(errs.WithField("handle", s))
	}
	copy(h[:], raw)
	return h, nil
}

// Euint64 is an encrypted unsigned 64-bit integer. It has no plaintext accessor.
type Euint64 struct{ h Handle }

// Ebool is an encrypted boolean. It has no plaintext accessor.
type Ebool struct{ h Handle }

// Handle returns the underlying ciphertext handle.
func (v Euint64) Handle() Handle { return v.h }

// IsZero reports whether the value was never assigned.
func (v Euint64) IsZero() bool { return v.h.IsZero() }

// Handle returns the underlying ciphertext handle.
func (v Ebool) Handle() Handle { return v.h }

// IsZero reports whether the value was never assigned.
func (v Ebool) IsZero() bool { return v.h.IsZero() }

// MarshalText implements encoding.TextMarshaler.
func (v Euint64) MarshalText() ([]byte, error) { return v.h.MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Euint64) UnmarshalText(text []byte) error {
	var h Handle
	if err := h.UnmarshalText(text); err != nil {
		return err
	}
	parsed, err := AsEuint64Handle(h)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (v Ebool) MarshalText() ([]byte, error) { return v.h.MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Ebool) UnmarshalText(text []byte) error {
	var h Handle
	if err := h.UnmarshalText(text); err != nil {
		return err
	}
	parsed, err := AsEboolHandle(h)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// AsEuint64Handle rehydrates a stored handle, checking its type tag.
func AsEuint64Handle(h Handle) (Euint64, error) {
	if h.IsZero() || h.Kind() != KindUint64 {
		return Euint64{}, ErrUnsupportedHandleKind.With(errs.WithField("handle", h.Hex()), errs.WithField("want", KindUint64.String()))
	}
	return Euint64{h: h}, nil
}

// AsEboolHandle rehydrates a stored handle, checking its type tag.
func AsEboolHandle(h Handle) (Ebool, error) {
	if h.IsZero() || h.Kind() != KindBool {
		return Ebool{}, ErrUnsupportedHandleKind.With(errs.WithField("handle", h.Hex()), errs.WithField("want", KindBool.String()))
	}
	return Ebool{h: h}, nil
}

// External is a ciphertext produced off-engine, accompanied by a proof of
// well-formedness binding it to a contract and user.
type External struct {
	Handle Handle `json:"handle"`
	Proof  []byte `json:"proof"`
}
