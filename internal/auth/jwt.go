package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nexus-im/chatclient/store/conversation"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// RoleAdmin grants access to the full user roster.
const RoleAdmin = "ROLE_ADMIN"

// Claims defines the claims the backend puts in its bearer tokens. The
// subject is the account's username; uid is only present on newer tokens.
type Claims struct {
	UserID int64    `json:"uid,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the current user as seen by the chat client.
type Identity struct {
	ID       conversation.UserID
	Username string
	Roles    []string
	Token    string
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool {
	for _, r := range i.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// Authenticator validates the bearer tokens the backend issues.
type Authenticator struct {
	secretKey []byte
	issuer    string
}

// NewAuthenticator creates a new Authenticator. An empty secretKey disables
// signature checks: the client then trusts the token it was handed and only
// reads and expiry-checks its claims. A non-empty issuer must match the
// token's iss claim.
func NewAuthenticator(secretKey string, issuer string) *Authenticator {
	return &Authenticator{
		secretKey: []byte(secretKey),
		issuer:    issuer,
	}
}

// ValidateToken parses and validates a JWT string.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	if len(a.secretKey) == 0 {
		return a.readToken(tokenString)
	}

	var opts []jwt.ParserOption
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secretKey, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// readToken decodes claims without checking the signature.
func (a *Authenticator) readToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, ErrExpiredToken
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Identify turns a bearer token into an Identity. The id is zero when the
// token does not carry one; callers then resolve it from the profile API.
func (a *Authenticator) Identify(tokenString string) (*Identity, error) {
	claims, err := a.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &Identity{
		ID:       conversation.UserID(claims.UserID),
		Username: claims.Subject,
		Roles:    claims.Roles,
		Token:    tokenString,
	}, nil
}
