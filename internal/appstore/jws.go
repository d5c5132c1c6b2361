package appstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// PayloadDecoder decodes an Apple signed payload (JWS compact
// serialization) into v. The two implementations make the trust
// decision explicit: FastDecoder skips the signature check and is only
// appropriate when the transport channel is already authenticated;
// VerifiedDecoder verifies the signature against Apple's published
// keys and must be used wherever the payload grants entitlements.
type PayloadDecoder interface {
	Decode(ctx context.Context, signedPayload string, v interface{}) error
}

// FastDecoder splits the compact serialization and parses the payload
// segment without any signature check.
type FastDecoder struct{}

func (FastDecoder) Decode(_ context.Context, signedPayload string, v interface{}) error {
	parts := strings.Split(signedPayload, ".")
	if len(parts) != 3 {
		return &MalformedPayloadError{Reason: fmt.Sprintf("expected 3 segments, got %d", len(parts))}
	}
	return decodeSegment(parts[1], v)
}

// VerifiedDecoder verifies the payload signature against the key named
// in its header before decoding.
type VerifiedDecoder struct {
	Keys *KeyCache
}

func NewVerifiedDecoder(keys *KeyCache) *VerifiedDecoder {
	return &VerifiedDecoder{Keys: keys}
}

func (d *VerifiedDecoder) Decode(ctx context.Context, signedPayload string, v interface{}) error {
	parts := strings.Split(signedPayload, ".")
	if len(parts) != 3 {
		return &MalformedPayloadError{Reason: fmt.Sprintf("expected 3 segments, got %d", len(parts))}
	}

	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return err
	}

	key, err := d.Keys.Get(ctx, header.Kid)
	if err != nil {
		return err
	}

	method := jwt.GetSigningMethod(header.Alg)
	if method == nil {
		return &SignatureVerificationError{Err: fmt.Errorf("unsupported algorithm %q", header.Alg)}
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return &MalformedPayloadError{Reason: "signature segment is not valid base64url"}
	}

	if err := method.Verify(parts[0]+"."+parts[1], sig, key); err != nil {
		return &SignatureVerificationError{Err: err}
	}

	return decodeSegment(parts[1], v)
}

// decodeSegment base64url-decodes one JWS segment and parses it as JSON
func decodeSegment(segment string, v interface{}) error {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(segment, "="))
	if err != nil {
		return &MalformedPayloadError{Reason: "segment is not valid base64url"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &MalformedPayloadError{Reason: "payload is not valid JSON"}
	}
	return nil
}

// EncodePayload builds an unsigned three-segment payload around the
// given JSON body. Used by tests and local tooling; the signature
// segment carries no meaning for fast-path decoding.
func EncodePayload(v interface{}) (string, error) {
	header, err := json.Marshal(map[string]string{"alg": "ES256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(body) + ".sig", nil
}
