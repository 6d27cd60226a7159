package tokens

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// RoleAdmin may act on every restaurant.
const RoleAdmin = "admin"

type Claims struct {
	UserID        string   `json:"user_id"`
	RestaurantIDs []string `json:"restaurant_ids"`
	Roles         []string `json:"roles"`
	jwt.RegisteredClaims
}

// CanAccess reports whether the holder may act on restaurantID.
func (c *Claims) CanAccess(restaurantID string) bool {
	if c == nil || restaurantID == "" {
		return false
	}
	return slices.Contains(c.Roles, RoleAdmin) || slices.Contains(c.RestaurantIDs, restaurantID)
}

type TokenGenerator struct {
	secret    []byte
	accessTTL time.Duration
	issuer    string
	now       func() time.Time
}

func NewTokenGenerator(secret string, accessTTL time.Duration) *TokenGenerator {
	if accessTTL <= 0 {
		accessTTL = 12 * time.Hour
	}
	return &TokenGenerator{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		issuer:    "mesa-erp",
		now:       time.Now,
	}
}

func (tg *TokenGenerator) GenerateAccessToken(userID string, restaurantIDs, roles []string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidToken)
	}
	now := tg.now()
	claims := Claims{
		UserID:        userID,
		RestaurantIDs: restaurantIDs,
		Roles:         roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(tg.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tg.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tg.secret)
}

func (tg *TokenGenerator) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return tg.secret, nil
	}, jwt.WithIssuer(tg.issuer), jwt.WithTimeFunc(tg.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
