package middlewares

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	SessionCookie   = "chat_session"
	sessionTTL      = 30 * 24 * time.Hour
	conversationKey = "conversation_id"
)

type sessionClaims struct {
	ConversationID string `json:"conversation_id"`
	jwt.RegisteredClaims
}

// Session binds each browser to a conversation through a signed cookie. A
// missing, expired or tampered cookie is replaced by a fresh one for
// defaultConversation.
func Session(secret, defaultConversation string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		conv, err := parseSession(c, key)
		if err != nil {
			conv = defaultConversation
			token, err := signSession(key, conv, time.Now())
			if err != nil {
				log.Printf("Error signing session: %v", err)
			} else {
				c.SetSameSite(http.SameSiteLaxMode)
				c.SetCookie(SessionCookie, token, int(sessionTTL.Seconds()), "/", "", false, true)
			}
		}
		c.Set(conversationKey, conv)
		c.Next()
	}
}

// ConversationID returns the conversation bound by Session, or "" when the
// middleware is not installed.
func ConversationID(c *gin.Context) string {
	return c.GetString(conversationKey)
}

func signSession(key []byte, conversationID string, now time.Time) (string, error) {
	claims := sessionClaims{
		ConversationID: conversationID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

func parseSession(c *gin.Context, key []byte) (string, error) {
	raw, err := c.Cookie(SessionCookie)
	if err != nil {
		return "", err
	}

	var claims sessionClaims
	_, err = jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return key, nil
	})
	if err != nil {
		return "", err
	}
	if claims.ConversationID == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.ConversationID, nil
}
