package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"marketchat-ws/internal/domain"
)

// Claims is the bearer credential carried in the connection handshake.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is a verified connection identity.
type Identity struct {
	UserID uuid.UUID
	Role   string
}

// Verifier checks handshake credentials against the shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates the bearer token. Every failure maps to an
// auth error with a reason the client can act on; the connection must be
// refused before any other event is read.
func (v *Verifier) Verify(tokenStr string) (*Identity, error) {
	if tokenStr == "" {
		return nil, domain.NewAuthError("missing credential")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.NewAuthError("credential expired")
		}
		return nil, domain.NewAuthError("malformed credential").WithCause(err)
	}
	if !token.Valid {
		return nil, domain.NewAuthError("invalid credential")
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, domain.NewAuthError("invalid credential subject")
	}
	if claims.Role != domain.RoleCustomer && claims.Role != domain.RoleVendor {
		return nil, domain.NewAuthError("unknown role")
	}

	return &Identity{UserID: userID, Role: claims.Role}, nil
}

// Issue signs a token for the given identity. The gateway itself never
// issues tokens in production; this keeps local setups and tests honest
// against the same claims layout Verify expects.
func Issue(secret string, userID uuid.UUID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID.String(),
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
