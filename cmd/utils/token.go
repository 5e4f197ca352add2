package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/golang-jwt/jwt/v4"
)

var ErrNoSubject = errors.New("token has no subject")

// ActorClaims are the claims the wall server puts in session tokens.
type ActorClaims struct {
	jwt.RegisteredClaims
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// ActorFromToken reads the acting user from a bearer token. The signature is
// not checked here; the server validates every request the token is sent with.
func ActorFromToken(token string) (models.Author, error) {
	tokenString := strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))

	claims := &ActorClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return models.Author{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return models.Author{}, ErrNoSubject
	}

	actor := models.Author{
		ID:          claims.Subject,
		Username:    claims.Username,
		DisplayName: claims.DisplayName,
		Avatar:      claims.Avatar,
	}
	if actor.Username == "" {
		actor.Username = claims.Subject
	}
	return actor, nil
}

// SignActorToken issues an HS256 token for actor. Used by local tooling and tests.
func SignActorToken(actor models.Author, secret []byte) (string, error) {
	claims := &ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: actor.ID},
		Username:         actor.Username,
		DisplayName:      actor.DisplayName,
		Avatar:           actor.Avatar,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
