// Package tokencodec reads identity claims out of access tokens.
//
// The signature is never verified. Tokens are issued by the backend and
// travel over a secured transport; the client has no key to verify them
// with and must not pretend otherwise. Claims decoded here decide what the
// UI shows, the backend still authorizes every request on its own.
package tokencodec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nkiryanov/campusportal/internal/apperrors"
	"github.com/nkiryanov/campusportal/internal/models"
)

// Claim names used by the backend
const (
	ClaimUserID    = "user_id"
	ClaimUsername  = "username"
	ClaimEmail     = "email"
	ClaimRole      = "role"
	ClaimFirstName = "first_name"
	ClaimLastName  = "last_name"
	ClaimExpiresAt = "exp"
)

var parser = jwt.NewParser(jwt.WithJSONNumber())

// Decode extracts identity from the token payload.
// Missing role defaults to models.DefaultRole, missing strings to empty string,
// missing expiry to zero time.
func Decode(token string) (models.Identity, error) {
	claims := jwt.MapClaims{}

	_, _, err := parser.ParseUnverified(token, claims)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		// Unknown or missing 'alg' only matters for verification, claims are decoded already
	default:
		return models.Identity{}, apperrors.NewDecodeError("token is not well-formed", err)
	}

	identity := models.Identity{
		SubjectID: subjectClaim(claims),
		Username:  stringClaim(claims, ClaimUsername),
		Email:     stringClaim(claims, ClaimEmail),
		Role:      models.Role(stringClaim(claims, ClaimRole)),
		FirstName: stringClaim(claims, ClaimFirstName),
		LastName:  stringClaim(claims, ClaimLastName),
	}
	if identity.Role == "" {
		identity.Role = models.DefaultRole
	}

	exp, err := expiresAt(claims)
	if err != nil {
		return models.Identity{}, apperrors.NewDecodeError("invalid 'exp' claim", err)
	}
	identity.ExpiresAt = exp

	return identity, nil
}

// Return claim as string. Numbers are formatted as is, anything else is treated as missing
func stringClaim(claims jwt.MapClaims, name string) string {
	switch v := claims[name].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// user_id may be a number or a string
func subjectClaim(claims jwt.MapClaims) string {
	if n, ok := claims[ClaimUserID].(json.Number); ok {
		return models.SubjectIDFromNumber(n)
	}
	return stringClaim(claims, ClaimUserID)
}

func expiresAt(claims jwt.MapClaims) (time.Time, error) {
	raw, ok := claims[ClaimExpiresAt]
	if !ok || raw == nil {
		return time.Time{}, nil
	}

	var seconds float64
	switch v := raw.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, err
		}
		seconds = f
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return time.Time{}, err
		}
		seconds = f
	default:
		return time.Time{}, fmt.Errorf("unexpected type %T", raw)
	}

	sec, frac := math.Modf(seconds)
	return time.Unix(int64(sec), int64(frac*1e9)), nil
}
