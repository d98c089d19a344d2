package http

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/aq2208/gorder-payments/configs"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type TokenHandler struct {
	cfg     configs.Config
	clients map[string]configs.APIClient
	now     func() time.Time
}

func NewTokenHandler(cfg configs.Config) *TokenHandler {
	clients := make(map[string]configs.APIClient, len(cfg.Security.Clients))
	for _, cl := range cfg.Security.Clients {
		clients[cl.ID] = cl
	}
	return &TokenHandler{cfg: cfg, clients: clients, now: time.Now}
}

type tokenReq struct {
	ClientID     string `json:"client_id" form:"client_id"`
	ClientSecret string `json:"client_secret" form:"client_secret"`
}

// POST /v1/token (form or JSON)
// Accepts: client_id, client_secret
func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req tokenReq
	_ = c.ShouldBind(&req)
	if req.ClientID == "" || req.ClientSecret == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid client"})
		return
	}

	cl, ok := h.clients[req.ClientID]
	if !ok || !cl.Enabled || subtle.ConstantTimeCompare([]byte(req.ClientSecret), []byte(cl.Secret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid client"})
		return
	}

	now := h.now()
	claims := jwt.MapClaims{
		"iss":      h.cfg.Security.Issuer,   // issuer
		"aud":      h.cfg.Security.Audience, // audience
		"iat":      now.Unix(),              // issued at
		"nbf":      now.Unix(),              // not before
		"exp":      now.Add(h.cfg.Security.TTL).Unix(),
		"clientID": req.ClientID,
		"perms":    cl.Perms,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(h.cfg.Security.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": signed,
		"token_type":   "Bearer",
		"expires_in":   int64(h.cfg.Security.TTL.Seconds()),
	})
}
