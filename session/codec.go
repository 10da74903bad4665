package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// The composite token is for local introspection only. Its signature segment
// is a constant placeholder and must never be treated as proof of anything.
const (
	localAlg             = "none-local"
	sessionTokenType     = "session"
	placeholderSignature = "client-side-signature"
)

var errLocalSignature = errors.New("local session tokens carry no verifiable signature")

type localSigningMethod struct{}

func (localSigningMethod) Alg() string { return localAlg }

func (localSigningMethod) Sign(string, any) ([]byte, error) {
	return []byte(placeholderSignature), nil
}

func (localSigningMethod) Verify(string, []byte, any) error {
	return errLocalSignature
}

var (
	signingMethodLocal jwt.SigningMethod = localSigningMethod{}
	segmentParser                        = jwt.NewParser(jwt.WithPaddingAllowed())

	// now is swapped in tests.
	now = time.Now
)

// Encode serializes claims into a three-segment session token, stamping
// issued-at with the current time.
func Encode(claims CompositeClaims) (string, error) {
	claims.IssuedAt = now().Truncate(time.Second)
	tok := jwt.NewWithClaims(signingMethodLocal, jwt.MapClaims(claims.Map()))
	tok.Header["typ"] = sessionTokenType
	signed, err := tok.SignedString(nil)
	if err != nil {
		return "", fmt.Errorf("encode session token: %w", err)
	}
	return signed, nil
}

// Decode parses a session token back into composite claims without any
// signature check.
func Decode(token string) (CompositeClaims, error) {
	raw, err := DecodeClaims(token)
	if err != nil {
		return CompositeClaims{}, err
	}
	claims, err := compositeFromMap(raw)
	if err != nil {
		return CompositeClaims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return claims, nil
}

// DecodeClaims returns the untyped payload of any three-segment token.
func DecodeClaims(token string) (RawClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	payload, err := segmentParser.DecodeSegment(normalizeSegment(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrMalformedToken, err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: parse payload: %v", ErrMalformedToken, err)
	}
	if claims == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedToken)
	}
	return RawClaims(claims), nil
}

// normalizeSegment accepts both the url-safe and the standard base64 alphabet,
// padded or not. Padding is re-added by the parser.
func normalizeSegment(seg string) string {
	seg = strings.NewReplacer("+", "-", "/", "_").Replace(seg)
	return strings.TrimRight(seg, "=")
}
