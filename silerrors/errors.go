package silerrors

import (
	"errors"
	"strings"
)

// Invariant (I) errors abort the whole run.
var (
	ErrInvariant             = errors.New("I1|Invariant: Rewriting invariant violated.")
	ErrBadITMask             = errors.New("I2|BadITMask: IT mask is zero or encodes more than four instructions.")
	ErrITMismatch            = errors.New("I3|ITMismatch: Instruction predicate disagrees with its IT header.")
	ErrNotIT                 = errors.New("I4|NotIT: Instruction is not an IT header.")
	ErrBadITList             = errors.New("I5|BadITList: IT flag list is empty, longer than four or starts with else.")
	ErrUnknownOpcode         = errors.New("I6|UnknownOpcode: Security-relevant instruction has no rewrite rule.")
	ErrPrivilegedInstruction = errors.New("I7|PrivilegedInstruction: Code writes a privileged special register.")
	ErrImmediateRange        = errors.New("I8|ImmediateRange: Immediate cannot be encoded by the chosen instruction.")
	ErrNoScratch             = errors.New("I9|NoScratch: No register could be spilled to serve as scratch.")
)

// Configuration (C) errors are reported before any pass runs.
var (
	ErrNegativeShadowOffset   = errors.New("C1|NegativeShadowOffset: Shadow stack offset must not be negative.")
	ErrMisalignedShadowOffset = errors.New("C2|MisalignedShadowOffset: Shadow stack offset must be a multiple of four.")
	ErrBadPassOrder           = errors.New("C3|BadPassOrder: Pass order is invalid for the enabled passes.")
	ErrBadConfigValue         = errors.New("C4|BadConfigValue: Configuration value is not recognised.")
)

// Gap (G) errors are never returned by a pass; they tag recorded gaps.
var (
	ErrDeclaredGap = errors.New("G1|DeclaredGap: Instruction form is left unprotected.")
)

var all = []error{
	ErrInvariant, ErrBadITMask, ErrITMismatch, ErrNotIT, ErrBadITList, ErrUnknownOpcode,
	ErrPrivilegedInstruction, ErrImmediateRange, ErrNoScratch,
	ErrNegativeShadowOffset, ErrMisalignedShadowOffset, ErrBadPassOrder, ErrBadConfigValue,
	ErrDeclaredGap,
}

// sentinel returns the registered error wrapped somewhere in err's chain.
func sentinel(err error) error {
	for _, s := range all {
		if errors.Is(err, s) {
			return s
		}
	}
	return nil
}

// GetErrorName extracts the error name, looking through wrapping.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	s := sentinel(err)
	if s == nil {
		return err.Error()
	}
	parts := strings.SplitN(s.Error(), "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

func GetErrorNames(errs []error) []string {
	errStrs := make([]string, len(errs))
	for i, err := range errs {
		errStrs[i] = GetErrorName(err)
	}
	return errStrs
}

// GetErrorCode extracts the error code, e.g. "I3".
func GetErrorCode(err error) string {
	s := sentinel(err)
	if s == nil {
		return ""
	}
	return strings.SplitN(s.Error(), "|", 2)[0]
}

// IsInvariant reports whether err must abort the run.
func IsInvariant(err error) bool {
	return strings.HasPrefix(GetErrorCode(err), "I")
}
