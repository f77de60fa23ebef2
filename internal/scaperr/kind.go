// Package scaperr defines the SCEP core's error-kind vocabulary.
//
// Every layer of the pipeline (envelope codec, message codec, CSR
// inspector, CA signer, dispatcher) returns one of these kinds instead of
// an opaque error, so the dispatcher and transport shim can decide whether
// a failure becomes a CertRep/FAILURE, an HTTP error, or both.
package scaperr

import "github.com/pkg/errors"

// Kind classifies a core failure the way spec.md §7 does.
type Kind int

const (
	// KindNone is the zero value; never attached to a real error.
	KindNone Kind = iota
	// KindTransportMalformed covers bad base64 or bad chunk framing.
	KindTransportMalformed
	// KindUnknownOperation covers an unrecognized top-level operation.
	KindUnknownOperation
	// KindMessageMalformed covers undecodable CMS or a missing required
	// SCEP attribute.
	KindMessageMalformed
	// KindSignatureInvalid covers a bad outer SignedData signature.
	KindSignatureInvalid
	// KindEnvelopeFailure covers decrypt failure or no matching recipient.
	KindEnvelopeFailure
	// KindCSRInvalid covers a bad inner CSR signature or an empty subject.
	KindCSRInvalid
	// KindChallengeFailed covers a challengePassword mismatch.
	KindChallengeFailed
	// KindPolicyDenied is a hook for future issuance policy checks.
	KindPolicyDenied
	// KindInternal covers CA key unavailability and storage write failure.
	// An internal error must never be swallowed into a fraudulent SUCCESS.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransportMalformed:
		return "transport-malformed"
	case KindUnknownOperation:
		return "unknown-operation"
	case KindMessageMalformed:
		return "message-malformed"
	case KindSignatureInvalid:
		return "signature-invalid"
	case KindEnvelopeFailure:
		return "envelope-failure"
	case KindCSRInvalid:
		return "csr-invalid"
	case KindChallengeFailed:
		return "challenge-failed"
	case KindPolicyDenied:
		return "policy-denied"
	case KindInternal:
		return "internal"
	default:
		return "none"
	}
}

// Error pairs a Kind with the underlying cause.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap annotates err with a Kind. A nil err yields a nil *Error.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(err, msg)}
}

// New creates a bare Kind error with no wrapped cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, cause: errors.New(msg)}
}

// As extracts the Kind from err, if any layer in its chain attached one.
// Returns (KindNone, false) for a plain error.
func As(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return KindNone, false
}
