package delegate

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/s"
)

// HeaderDelegate adds fixed headers to every fetch and, when AllowedHosts is set, denies
// fetches to any other host.
type HeaderDelegate struct {
	Header       http.Header
	AllowedHosts []string
}

func (h *HeaderDelegate) AuthorizeFetch(_ context.Context, rawURL string, _ s.Range) (Decision, error) {
	if len(h.AllowedHosts) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return Deny(), nil
		}
		allowed := false
		for _, host := range h.AllowedHosts {
			if strings.EqualFold(host, u.Hostname()) {
				allowed = true
				break
			}
		}
		if !allowed {
			return Deny(), nil
		}
	}
	return Allow(h.Header.Clone()), nil
}

func (h *HeaderDelegate) OnFetchCompleted(rawURL string, r s.Range, outcome Outcome) {
	event := log.Debug()
	if outcome.Err != nil && !errors.Is(outcome.Err, e.ErrCancelled) {
		event = log.Warn().Err(outcome.Err)
	}
	event.Str("url", rawURL).Str("range", r.String()).Int64("bytes", outcome.Bytes).
		Dur("duration", outcome.Duration).Str("outcome", e.Kind(outcome.Err)).Msg("Fetch completed")
}

// FetchClaims is carried by tokens minted for origin fetches.
type FetchClaims struct {
	Range string `json:"rng"`
	jwt.RegisteredClaims
}

// TokenDelegate signs a short lived HS256 bearer token naming the URL and range of each fetch,
// for origins that sit behind a token checking gateway.
type TokenDelegate struct {
	Secret []byte
	Issuer string
	TTL    time.Duration

	now func() time.Time
}

func NewTokenDelegate(secret []byte, issuer string, ttl time.Duration) *TokenDelegate {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TokenDelegate{Secret: secret, Issuer: issuer, TTL: ttl, now: time.Now}
}

func (t *TokenDelegate) AuthorizeFetch(_ context.Context, rawURL string, r s.Range) (Decision, error) {
	if len(t.Secret) == 0 {
		return Deny(), errors.New("token secret not configured")
	}
	now := t.now().UTC()
	claims := FetchClaims{
		Range: r.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.Issuer,
			Subject:   rawURL,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.TTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
	if err != nil {
		return Deny(), err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+signed)
	return Allow(header), nil
}

func (t *TokenDelegate) OnFetchCompleted(string, s.Range, Outcome) {}

// Chain consults every delegate in order. Any denial denies, headers of later delegates win.
type Chain []Delegate

func (c Chain) AuthorizeFetch(ctx context.Context, rawURL string, r s.Range) (Decision, error) {
	header := http.Header{}
	for _, d := range c {
		decision, err := d.AuthorizeFetch(ctx, rawURL, r)
		if err != nil {
			return Deny(), err
		}
		if !decision.Allow {
			return Deny(), nil
		}
		header = MergeHeader(header, decision.Header)
	}
	return Allow(header), nil
}

func (c Chain) OnFetchCompleted(rawURL string, r s.Range, outcome Outcome) {
	for _, d := range c {
		d.OnFetchCompleted(rawURL, r, outcome)
	}
}
