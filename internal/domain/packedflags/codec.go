// Package packedflags packs per-intent encrypted pass/fail flags into one encrypted
// word so a single decryption request can carry every decision of a batch.
package packedflags

import (
	"strconv"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/fhe"
)

// MaxWidth is the number of bits in the packed word.
const MaxWidth = 64

var (
	// ErrTooManyHooks reports more flags than the codec width.
	ErrTooManyHooks = errs.Domain("packedflags", errs.CodeInvalid, errs.CanonicalTooManyHooks)
	// ErrMalformedWord reports a decrypted word with bits set beyond the flag count.
	ErrMalformedWord = errs.New("packedflags", errs.CodeInvalid, errs.WithMessage("packed word has bits beyond flag count"))
)

// Codec packs flags least-significant bit first: flag i lives in bit i.
type Codec struct {
	width int
}

// New returns a codec packing at most width flags.
func New(width int) (Codec, error) {
	if width <= 0 || width > MaxWidth {
		return Codec{}, errs.New("packedflags", errs.CodeInvalid,
			errs.WithMessage("width must be within 1.."+strconv.Itoa(MaxWidth)),
			errs.WithField("width", strconv.Itoa(width)))
	}
	return Codec{width: width}, nil
}

// Width reports the maximum number of flags per word.
func (c Codec) Width() int { return c.width }

func (c Codec) check(count int) error {
	if count < 0 || count > c.width {
		return ErrTooManyHooks.With(errs.WithField("count", strconv.Itoa(count)), errs.WithField("width", strconv.Itoa(c.width)))
	}
	return nil
}

// Pack folds bits into one encrypted word without branching on any flag.
func (c Codec) Pack(cp fhe.Coprocessor, bits []fhe.Ebool) (fhe.Euint64, error) {
	if err := c.check(len(bits)); err != nil {
		return fhe.Euint64{}, err
	}
	zero := cp.AsEuint64(0)
	word := zero
	for i, bit := range bits {
		contribution, err := cp.Select(bit, cp.AsEuint64(uint64(1)<<uint(i)), zero)
		if err != nil {
			return fhe.Euint64{}, err
		}
		word, err = cp.Add(word, contribution)
		if err != nil {
			return fhe.Euint64{}, err
		}
	}
	return word, nil
}

// Unpack splits an encrypted word back into count encrypted flags.
func (c Codec) Unpack(cp fhe.Coprocessor, word fhe.Euint64, count int) ([]fhe.Ebool, error) {
	if err := c.check(count); err != nil {
		return nil, err
	}
	zero := cp.AsEuint64(0)
	out := make([]fhe.Ebool, count)
	for i := range out {
		masked, err := cp.AndMask(word, uint64(1)<<uint(i))
		if err != nil {
			return nil, err
		}
		isZero, err := cp.Eq(masked, zero)
		if err != nil {
			return nil, err
		}
		if out[i], err = cp.Not(isZero); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// PackClear is the plaintext counterpart of Pack.
func (c Codec) PackClear(bits []bool) (uint64, error) {
	if err := c.check(len(bits)); err != nil {
		return 0, err
	}
	var word uint64
	for i, bit := range bits {
		if bit {
			word |= uint64(1) << uint(i)
		}
	}
	return word, nil
}

// UnpackClear splits a decrypted word into count flags.
func (c Codec) UnpackClear(word uint64, count int) ([]bool, error) {
	if err := c.check(count); err != nil {
		return nil, err
	}
	if count < MaxWidth && word>>uint(count) != 0 {
		return nil, ErrMalformedWord.With(errs.WithField("count", strconv.Itoa(count)))
	}
	out := make([]bool, count)
	for i := range out {
		out[i] = word&(uint64(1)<<uint(i)) != 0
	}
	return out, nil
}
