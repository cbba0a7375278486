package helpers

import (
	"time"

	"bitbucket.org/storefront/backend/models"
	"github.com/dgrijalva/jwt-go"
)

const (
	RoleAdmin    = 1
	RoleCustomer = 4
)

func ParserTokenUnverified(tokenStr string) (jwt.MapClaims, bool) {
	var p jwt.Parser
	token, _, err := p.ParseUnverified(tokenStr, jwt.MapClaims{})
	if err != nil {
		return nil, false
	}
	tokendata, ok := token.Claims.(jwt.MapClaims)
	return tokendata, ok
}

func Contains(a []int, x int) bool {
	for _, n := range a {
		if x == n {
			return true
		}
	}
	return false
}

// GenerateToken signs the claims the API expects from the identity service.
// It is used by the CLI to mint operator tokens. A zero ttl never expires.
func GenerateToken(user *models.User, jwtSecret string, ttl time.Duration) (string, error) {
	r := []int{RoleCustomer}
	if user.IsAdmin {
		r = append(r, RoleAdmin)
	}
	now := time.Now()
	standard := jwt.StandardClaims{IssuedAt: now.Unix()}
	if ttl > 0 {
		standard.ExpiresAt = now.Add(ttl).Unix()
	}

	claims := struct {
		User map[string]interface{} `json:"u"`
		jwt.StandardClaims
	}{
		map[string]interface{}{
			"r":         r,
			"i":         user.ID.String(),
			"email":     user.Email,
			"lastName":  user.LastName,
			"firstName": user.FirstName,
		},
		standard,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	if err != nil {
		return "", err
	}

	return token, nil
}
