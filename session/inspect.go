package session

import (
	"fmt"

	"github.com/go-jose/go-jose/v3"
)

// TokenHeader is the protected header of a provider bearer token.
type TokenHeader struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid,omitempty"`
	Type      string `json:"typ,omitempty"`
}

// InspectProviderToken reads the header of the provider's bearer token. It
// does not verify the signature; the result is for diagnostics only.
func InspectProviderToken(raw string) (TokenHeader, error) {
	jws, err := jose.ParseSigned(raw)
	if err != nil {
		return TokenHeader{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if len(jws.Signatures) == 0 {
		return TokenHeader{}, fmt.Errorf("%w: no signature header", ErrMalformedToken)
	}
	h := jws.Signatures[0].Protected
	typ, _ := h.ExtraHeaders[jose.HeaderType].(string)
	return TokenHeader{
		Algorithm: h.Algorithm,
		KeyID:     h.KeyID,
		Type:      typ,
	}, nil
}
