package trust

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// loginClaims is the payload of a root-signed login token: just enough to
// identify the session and bound its lifetime. GoatDB's login tokens are an
// internal peer-trust artifact, not a general-purpose OIDC/JWKS surface
// (that's the teacher's internal/auth concern, out of scope here), so the
// claim set stays minimal.
type loginClaims struct {
	jwt.RegisteredClaims
	Owner string `json:"owner"`
}

// SignLoginToken mints a short-lived JWT for sessionID, signed with its
// ed25519 key using EdDSA — the same key pair Sign/Verify use for commits,
// so a root session needs no separate credential. Only a root-owned session
// (§4.10) may sign one.
func (p *Pool) SignLoginToken(sessionID string, ttl time.Duration) (string, error) {
	p.mu.RLock()
	s, ok := p.sessions[sessionID]
	p.mu.RUnlock()
	if !ok {
		return "", ErrUnknownSession
	}
	if s.privateKey == nil {
		return "", ErrNotSigningCapable
	}
	if s.Owner != rootOwner {
		return "", ErrNotRoot
	}
	if time.Now().After(s.Expiration) {
		return "", ErrExpiredSession
	}

	now := time.Now().UTC()
	claims := loginClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Owner: s.Owner,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("trust: signing login token: %w", err)
	}
	return signed, nil
}

// VerifyLoginToken validates tokenStr against the session it names,
// returning that session's id on success.
func (p *Pool) VerifyLoginToken(tokenStr string) (sessionID string, err error) {
	var claims loginClaims
	var resolvedKey ed25519.PublicKey

	_, err = jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		sub, ok := t.Claims.(*loginClaims)
		if !ok {
			return nil, fmt.Errorf("trust: unexpected claims type")
		}
		p.mu.RLock()
		s, known := p.sessions[sub.Subject]
		p.mu.RUnlock()
		if !known {
			return nil, ErrUnknownSession
		}
		if s.Owner != rootOwner {
			return nil, ErrNotRoot
		}
		resolvedKey = s.PublicKey
		return s.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return "", fmt.Errorf("trust: verifying login token: %w", err)
	}
	if resolvedKey == nil {
		return "", ErrUnknownSession
	}
	return claims.Subject, nil
}
