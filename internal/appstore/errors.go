package appstore

import "fmt"

// ConfigurationError reports missing signing credentials. Fatal at startup.
type ConfigurationError struct {
	Missing string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("app store configuration error: missing %s", e.Missing)
}

// MalformedPayloadError reports a signed payload that does not have the
// three-segment compact form or whose payload segment is not valid JSON.
type MalformedPayloadError struct {
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed signed payload: %s", e.Reason)
}

// KeyNotFoundError reports that no cached Apple public key matches the
// key id named in a payload header.
type KeyNotFoundError struct {
	KeyID string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("no Apple public key found for kid %q", e.KeyID)
}

// SignatureVerificationError reports a payload whose signature did not
// verify against the matching public key.
type SignatureVerificationError struct {
	Err error
}

func (e *SignatureVerificationError) Error() string {
	return fmt.Sprintf("signature verification failed: %v", e.Err)
}

func (e *SignatureVerificationError) Unwrap() error { return e.Err }

// UpstreamError wraps a non-2xx response or transport failure from the
// App Store Server API. Not retried here; retry policy belongs to the
// caller.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("apple api %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("apple api %s failed: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
