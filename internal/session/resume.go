package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// resumeClaims is embedded in a subscriber's resume token: enough for a
// reconnecting client's gap-detection to round-trip through a verifiable
// token instead of a bare query parameter. Resuming never replays missed
// events — per §5, a gap always means "re-subscribe for a fresh
// snapshot" — so lastSequence is carried only for server-side logging of
// how large the gap was, not to drive any replay logic.
type resumeClaims struct {
	jwt.RegisteredClaims
	SessionID    string `json:"sessionId"`
	LastSequence int64  `json:"lastSequence"`
}

// IssueResumeToken signs a token a client can present on reconnect via
// ?resume=<token>.
func IssueResumeToken(secret []byte, sessionID string, lastSequence int64) (string, error) {
	claims := resumeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
		SessionID:    sessionID,
		LastSequence: lastSequence,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseResumeToken validates a resume token and returns the session ID and
// last-observed sequence it was issued for.
func ParseResumeToken(secret []byte, raw string) (sessionID string, lastSequence int64, err error) {
	token, err := jwt.ParseWithClaims(raw, &resumeClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", 0, err
	}
	claims, ok := token.Claims.(*resumeClaims)
	if !ok || !token.Valid {
		return "", 0, fmt.Errorf("invalid resume token")
	}
	return claims.SessionID, claims.LastSequence, nil
}
