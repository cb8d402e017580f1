// Package coreerrors defines the machine-readable error taxonomy surfaced
// across the FFI boundary. Every error the core returns to a
// host carries a stable Code plus free-text detail; no Go stack trace or
// internal type ever crosses that boundary.
package coreerrors

import "fmt"

// Code is a machine-readable error classification. Hosts switch on Code,
// never on Error's formatted message.
type Code string

const (
	// Config/Input
	CodeInvalidPairingCode      Code = "InvalidPairingCode"
	CodePairingExpired          Code = "PairingExpired"
	CodeInvalidKey              Code = "InvalidKey"
	CodeContentTooLarge         Code = "ContentTooLarge"
	CodeUnsupportedContentType  Code = "UnsupportedContentType"

	// Crypto
	CodeCryptoFatal      Code = "CryptoFatal"
	CodeDecryptError     Code = "DecryptError"
	CodeSignatureInvalid Code = "SignatureInvalid"

	// Transport
	CodeQuicConnectFailed Code = "QuicConnectFailed"
	CodeRelayUnreachable  Code = "RelayUnreachable"
	CodeTimeout           Code = "Timeout"
	CodePeerUnreachable   Code = "PeerUnreachable"

	// Discovery
	CodeNotDiscoverable     Code = "NotDiscoverable"
	CodePairingCodeNotFound Code = "PairingCodeNotFound"

	// Storage
	CodeStorageError   Code = "StorageError"
	CodeSchemaMismatch Code = "SchemaMismatch"

	// Protocol
	CodeMalformedFrame          Code = "MalformedFrame"
	CodeProtocolVersionMismatch Code = "ProtocolVersionMismatch"
	CodeReplay                  Code = "Replay"
)

// Error is the single error type returned across the host (FFI) boundary.
// Detail is free text meant for logs/debugging, never parsed by a host.
type Error struct {
	Code   Code
	Detail string
	cause  error
}

// New constructs an Error with no wrapped cause.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Wrap constructs an Error that records cause for %w-style unwrapping
// without ever exposing cause's message across the FFI boundary directly;
// callers choose how much of cause's text to fold into detail.
func Wrap(code Code, detail string, cause error) *Error {
	return &Error{Code: code, Detail: detail, cause: cause}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether err is a coreerrors.Error with the given code,
// letting callers write errors.Is(err, coreerrors.New(CodeReplay, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}
