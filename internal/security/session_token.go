package security

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sandeepkv93/execgate/internal/clock"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidSessionToken = errors.New("invalid session token")
	ErrUnknownStage        = errors.New("origin does not map to a known stage")
	ErrNoKeyForStage       = errors.New("no public key configured for stage")
)

// SessionClaims are the claims a verified session token carries. Raw keeps
// every claim, including opaque ones forwarded to the executor.
type SessionClaims struct {
	UserID           string
	SessionID        string
	Issuer           string
	VerifiedTeachers string
	MiniAppType      string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	Raw              map[string]any
}

// SessionTokenVerifier checks RS256 session tokens against the public key of
// the stage the request originated from.
type SessionTokenVerifier struct {
	keys map[string]*rsa.PublicKey
	now  clock.TimeSource
}

// NewSessionTokenVerifier parses PEM encoded public keys keyed by stage.
func NewSessionTokenVerifier(pemByStage map[string]string, ts clock.TimeSource) (*SessionTokenVerifier, error) {
	keys := make(map[string]*rsa.PublicKey, len(pemByStage))
	for stage, pem := range pemByStage {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		if err != nil {
			return nil, fmt.Errorf("parse public key for stage %s: %w", stage, err)
		}
		keys[strings.ToLower(stage)] = key
	}
	return &SessionTokenVerifier{keys: keys, now: clock.OrSystem(ts)}, nil
}

func (v *SessionTokenVerifier) Verify(raw, origin string) (*SessionClaims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidSessionToken)
	}
	stage, err := StageForOrigin(origin)
	if err != nil {
		return nil, err
	}
	key, ok := v.keys[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKeyForStage, stage)
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidSessionToken
	}

	out := &SessionClaims{
		UserID:           claimString(claims["uid"]),
		SessionID:        claimString(claims["sid"]),
		Issuer:           claimString(claims["iss"]),
		VerifiedTeachers: claimString(claims["verified_teachers"]),
		MiniAppType:      claimString(claims["mini_app_type"]),
		Raw:              map[string]any(claims),
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("%w: missing sid", ErrInvalidSessionToken)
	}
	if out.UserID == "" {
		return nil, fmt.Errorf("%w: missing uid", ErrInvalidSessionToken)
	}
	return out, nil
}

// StageForOrigin maps a request Origin to the deployment stage whose key
// signed its tokens.
func StageForOrigin(origin string) (string, error) {
	host := StandardizeOrigin(origin)
	switch host {
	case "localhost-studio.code.org":
		return "development", nil
	case "staging-studio.code.org":
		return "staging", nil
	case "levelbuilder-studio.code.org":
		return "levelbuilder", nil
	case "test-studio.code.org":
		return "test", nil
	case "studio.code.org":
		return "production", nil
	}
	if strings.HasPrefix(host, "adhoc-") && strings.HasSuffix(host, "-studio.cdn-code.org") {
		return "adhoc", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStage, origin)
}

// StandardizeOrigin strips the scheme and the local dev port from an Origin.
func StandardizeOrigin(origin string) string {
	host := strings.ToLower(strings.TrimSpace(origin))
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimSuffix(host, ":3000")
}

func claimString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := claimString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}
