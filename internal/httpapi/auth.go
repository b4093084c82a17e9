package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/julienschmidt/httprouter"
)

type ownerContextKey struct{}

var errMissingToken = errors.New("missing bearer token")

// Authenticator verifies HS256 bearer tokens whose subject is the owner id.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// IssueToken signs a token for ownerID valid for ttl.
func (a *Authenticator) IssueToken(ownerID string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   ownerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// OwnerID validates a raw token and returns its subject.
func (a *Authenticator) OwnerID(raw string) (string, error) {
	if raw == "" {
		return "", errMissingToken
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token has no subject")
	}
	return subject, nil
}

// Require rejects requests without a valid owner token and stores the owner
// id in the request context.
func (a *Authenticator) Require(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ownerID, err := a.OwnerID(bearerToken(r.Header.Get("Authorization")))
		if err != nil {
			message := "invalid token"
			if errors.Is(err, errMissingToken) {
				message = "missing token"
			}
			writeError(w, requestIDFromContext(r.Context()), http.StatusUnauthorized, "unauthorized", message)
			return
		}
		ctx := context.WithValue(r.Context(), ownerContextKey{}, ownerID)
		next(w, r.WithContext(ctx), ps)
	}
}

func ownerFromContext(ctx context.Context) string {
	ownerID, _ := ctx.Value(ownerContextKey{}).(string)
	return ownerID
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
