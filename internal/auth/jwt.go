package auth

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the claims in a device JWT token.
type Claims struct {
	DeviceID string `json:"device_id"`
	ToyID    string `json:"toy_id,omitempty"`
	Role     string `json:"role"` // "device"
	jwt.RegisteredClaims
}

// JWTSecret signs device tokens. Overridden by LUMINA_JWT_SECRET.
var JWTSecret = func() []byte {
	if s := os.Getenv("LUMINA_JWT_SECRET"); s != "" {
		return []byte(s)
	}
	return []byte("dev-only-secret")
}()

// GenerateDeviceToken generates a JWT token for device authentication.
func GenerateDeviceToken(deviceID, toyID string) (string, error) {
	claims := &Claims{
		DeviceID: deviceID,
		ToyID:    toyID,
		Role:     "device",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(JWTSecret)
}

// ValidateToken validates a JWT token and returns the claims.
func ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return JWTSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}
