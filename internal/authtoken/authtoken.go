// Package authtoken issues the bearer tokens handed out on realtime logins.
package authtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrEmptySecret = errors.New("authtoken: secret is required")

// Claims carries the logged-in user and the terminal they badged on.
type Claims struct {
	UserID    int32  `json:"USERID"`
	Role      string `json:"role"`
	MachineID int32  `json:"machineId"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	role   string
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration, role string) (*Issuer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	if role == "" {
		role = "employee"
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, role: role, now: time.Now}, nil
}

// Issue signs an HS256 token for userID, valid from now for the configured TTL.
func (i *Issuer) Issue(userID, machineID int32) (string, error) {
	now := i.now()
	claims := &Claims{
		UserID:    userID,
		Role:      i.role,
		MachineID: machineID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies signature, algorithm and time claims.
func (i *Issuer) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
