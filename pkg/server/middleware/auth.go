package middleware

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var (
	jwtMu     sync.RWMutex
	jwtSecret []byte
)

// InitAuth 配置签名密钥，为空时生成随机密钥（重启后令牌失效）
func InitAuth(secret string) {
	jwtMu.Lock()
	defer jwtMu.Unlock()
	if secret != "" {
		jwtSecret = []byte(secret)
		return
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err == nil {
		jwtSecret = buf
	}
}

func secretKey() []byte {
	jwtMu.RLock()
	defer jwtMu.RUnlock()
	return jwtSecret
}

// GenerateToken 为用户签发 JWT
func GenerateToken(userID int, username string) (string, error) {
	claims := jwt.MapClaims{
		"sub":      fmt.Sprintf("%d", userID),
		"username": username,
		"iat":      time.Now().Unix(),
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secretKey())
}

// AuthRequired 校验 Bearer 令牌
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secretKey(), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			c.Set("username", claims["username"])
		}
		c.Next()
	}
}
