package web

import (
	"context"
	"errors"
	"net/url"

	"github.com/lestrrat-go/jwx/jwk"
)

// DefaultAlgorithms are the signature algorithms accepted on proxy bearer tokens.
var DefaultAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "PS256"}

// JWKS looks up token signing keys from a key set URL that is refreshed in the background.
type JWKS struct {
	URL        string
	Algorithms []string

	refresh *jwk.AutoRefresh
}

func NewJWKS(ctx context.Context, jwksURL string, algorithms []string) (*JWKS, error) {
	u, err := url.Parse(jwksURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("jwks url must be http or https")
	}
	if len(algorithms) == 0 {
		algorithms = DefaultAlgorithms
	}

	refresh := jwk.NewAutoRefresh(ctx)
	refresh.Configure(jwksURL)
	return &JWKS{URL: jwksURL, Algorithms: algorithms, refresh: refresh}, nil
}

// LookupKey finds the raw public key by key ID, falling back to the x5t thumbprint.
func (j *JWKS) LookupKey(ctx context.Context, keyID, thumbprint string) (interface{}, error) {
	set, err := j.refresh.Fetch(ctx, j.URL)
	if err != nil {
		return nil, err
	}

	var keyData interface{}
	if keyID != "" {
		if key, ok := set.LookupKeyID(keyID); ok {
			err = key.Raw(&keyData)
			return keyData, err
		}
	}
	if thumbprint == "" {
		return nil, errors.New("signing key not found")
	}

	// Some issuers only name the certificate thumbprint
	for i := 0; i < set.Len(); i++ {
		currentKey, ok := set.Get(i)
		if !ok {
			return nil, errors.New("could not get key, index out of range")
		}

		if currentKey.X509CertThumbprint() != thumbprint {
			continue
		}
		err = currentKey.Raw(&keyData)

		return keyData, err
	}
	return nil, errors.New("signing key not found")
}
