package collab

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims carried by the relay token. the relay verifies the token,
// the client only reads identity claims out of it.
type ByJwt struct {
	UserId string
	Email  string
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}
	if userId, ok := claims["user_id"].(string); ok {
		byJwt.UserId = userId
	} else if userId, ok := claims["sub"].(string); ok {
		byJwt.UserId = userId
	}
	if email, ok := claims["email"].(string); ok {
		byJwt.Email = email
	}
	return byJwt, nil
}
