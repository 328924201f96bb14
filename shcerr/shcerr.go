// Package shcerr defines the stable tagged-variant error taxonomy shared by
// every SMART Health Card / SMART Health Link component. Every exported
// operation in this module returns errors of this type (or nil) so callers
// can branch on a stable string code instead of matching error text.
package shcerr

import "fmt"

// Kind is a stable string code identifying the error variant. Values never
// change once published; new variants are additive.
type Kind string

// SHC error kinds.
const (
	KindJWS                    Kind = "jws"
	KindSignatureVerification  Kind = "signature_verification"
	KindExpired                Kind = "expired"
	KindPayloadValidation      Kind = "payload_validation"
	KindBundleValidation       Kind = "bundle_validation"
	KindCredentialValidation   Kind = "credential_validation"
	KindInvalidBundleReference Kind = "invalid_bundle_reference"
	KindQrCode                 Kind = "qr_code"
	KindFileFormat             Kind = "file_format"
	KindVerification           Kind = "verification"
	KindReaderConfig           Kind = "reader_config"
	KindCompression            Kind = "compression"
)

// SHL error kinds.
const (
	KindShlFormat            Kind = "shl_format"
	KindShlManifest          Kind = "shl_manifest"
	KindShlNetwork           Kind = "shl_network"
	KindShlAuth              Kind = "shl_auth"
	KindShlInvalidPasscode   Kind = "shl_invalid_passcode" // subclass of shl_auth
	KindShlResolve           Kind = "shl_resolve"
	KindShlDecryption        Kind = "shl_decryption"          // subclass of shl_resolve
	KindShlManifestNotFound  Kind = "shl_manifest_not_found"  // subclass of shl_resolve
	KindShlManifestRateLimit Kind = "shl_manifest_rate_limit" // subclass of shl_resolve
	KindShlExpired           Kind = "shl_expired"             // subclass of shl_resolve
	KindShlInvalidContent    Kind = "shl_invalid_content"
	KindShlViewer            Kind = "shl_viewer"
	KindShlEncryption        Kind = "shl_encryption"
)

// Error is the concrete error type returned by every exported operation in
// this module.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New creates an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an *Error that wraps cause, tagging it with kind. If cause is
// already an *Error, its message is preserved and only the outer Kind/context
// changes the reported code, but the original is retained via Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// parentOf maps each subclass Kind (see the "subclass of" comments above)
// to the parent Kind it is caught by. Kinds with no entry have no parent.
var parentOf = map[Kind]Kind{
	KindShlInvalidPasscode:   KindShlAuth,
	KindShlDecryption:        KindShlResolve,
	KindShlManifestNotFound:  KindShlResolve,
	KindShlManifestRateLimit: KindShlResolve,
	KindShlExpired:           KindShlResolve,
}

// isKindOrSubclassOf reports whether kind is ancestor or a kind below it,
// walking the parentOf chain.
func isKindOrSubclassOf(kind, ancestor Kind) bool {
	for k := kind; ; {
		if k == ancestor {
			return true
		}
		parent, ok := parentOf[k]
		if !ok {
			return false
		}
		k = parent
	}
}

// Is reports whether target is an *Error whose Kind equals e's Kind, or
// whose Kind is a documented ancestor of e's Kind (e.g.
// errors.Is(err, shcerr.New(shcerr.KindShlResolve, "")) matches an err
// whose Kind is KindShlDecryption), so callers can catch either a specific
// variant or its whole family.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return isKindOrSubclassOf(e.Kind, t.Kind)
}

// Code returns the stable string code for use in logs/telemetry/HTTP bodies.
func Code(err error) (Kind, bool) {
	var e *Error
	if err == nil {
		return "", false
	}
	if shcErr, ok := err.(*Error); ok {
		e = shcErr
	} else {
		return "", false
	}
	return e.Kind, true
}
