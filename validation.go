package ipstack

import (
	"errors"
	"fmt"
)

// ValidateFlags selects optional checks performed by frame Validate methods.
type ValidateFlags uint16

const (
	// ValidateEvilBit rejects IPv4 frames with the reserved flag bit set.
	ValidateEvilBit ValidateFlags = 1 << iota
)

// Validator accumulates frame validation errors so a demux loop can run all
// checks on a frame and pop the combined result once. The zero value is
// ready to use with no optional checks enabled.
type Validator struct {
	flags ValidateFlags
	errs  []error
}

// NewValidator returns a Validator with the given optional checks enabled.
func NewValidator(flags ValidateFlags) Validator {
	return Validator{flags: flags}
}

// Flags returns the optional checks enabled on v.
func (v *Validator) Flags() ValidateFlags { return v.flags }

// AddError records a validation failure. err must not be nil.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("Validator.AddError: nil error")
	}
	v.errs = append(v.errs, err)
}

// AddBitPosErr records a validation failure attributed to a bit range of the
// frame, counted from the start of the header.
func (v *Validator) AddBitPosErr(bitStart, bitLen int, err error) {
	if err == nil {
		panic("Validator.AddBitPosErr: nil error")
	}
	if bitLen <= 0 {
		panic("Validator.AddBitPosErr: non-positive length")
	}
	v.errs = append(v.errs, &BitPosErr{BitStart: bitStart, BitLen: bitLen, Err: err})
}

// Err returns the accumulated errors joined, or nil when none were recorded.
func (v *Validator) Err() error {
	switch len(v.errs) {
	case 0:
		return nil
	case 1:
		return v.errs[0]
	}
	return errors.Join(v.errs...)
}

// HasError reports whether any error has been recorded since the last pop.
func (v *Validator) HasError() bool { return len(v.errs) != 0 }

// ErrPop returns the accumulated error, if any, and resets the validator
// so it can be reused for the next frame.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.errs = v.errs[:0]
	return err
}

// BitPosErr is a validation error located at a bit range within a frame.
type BitPosErr struct {
	BitStart int
	BitLen   int
	Err      error
}

func (bpe *BitPosErr) Error() string {
	return fmt.Sprintf("%s at bits %d..%d", bpe.Err.Error(), bpe.BitStart, bpe.BitStart+bpe.BitLen)
}

func (bpe *BitPosErr) Unwrap() error { return bpe.Err }
