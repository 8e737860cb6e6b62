// Package tokenserver is the credential-issuance endpoint: it holds the
// OAuth client secret and trades authorization codes and refresh tokens
// with the identity provider on behalf of the agenda client.
package tokenserver

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	appLog "dayboard/internal/log"
)

const (
	defaultExpiresIn  = 3600
	configurationCode = "configuration_error"
	upstreamTimeout   = 10 * time.Second
)

// Config is the server's view of the OAuth client.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	// AllowedOrigins restricts CORS; empty echoes any origin.
	AllowedOrigins []string
	// HTTPClient is used for upstream calls; nil means a 10s client.
	HTTPClient *http.Client
}

type Server struct {
	cfg    Config
	client *http.Client
	engine *gin.Engine
}

type authBody struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func New(cfg Config) *Server {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: upstreamTimeout}
	}
	s := &Server{cfg: cfg, client: client}
	s.engine = s.buildEngine()
	return s
}

// Handler exposes the gin engine as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) buildEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.HandleMethodNotAllowed = true

	corsCfg := cors.Config{
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	} else {
		corsCfg.AllowOriginFunc = func(string) bool { return true }
	}
	r.Use(cors.New(corsCfg))

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
	})

	for _, path := range []string{"/auth", "/refresh"} {
		r.OPTIONS(path, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	}
	r.POST("/auth", s.requireClient, s.handleAuth)
	r.POST("/refresh", s.requireClient, s.handleRefresh)
	return r
}

func (s *Server) requireClient(c *gin.Context) {
	if strings.TrimSpace(s.cfg.ClientID) == "" || strings.TrimSpace(s.cfg.ClientSecret) == "" {
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{
			Error: "Server missing Google OAuth config",
			Code:  configurationCode,
		})
		return
	}
	c.Next()
}

func (s *Server) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  s.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (s *Server) upstreamContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, upstreamTimeout)
	return context.WithValue(ctx, oauth2.HTTPClient, s.client), cancel
}

func (s *Server) handleAuth(c *gin.Context) {
	var body authBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "Invalid JSON body"})
		return
	}
	if body.Code == "" || body.RedirectURI == "" {
		c.JSON(http.StatusBadRequest, errorBody{Error: "Missing code or redirect_uri"})
		return
	}

	ctx, cancel := s.upstreamContext(c.Request.Context())
	defer cancel()

	tok, err := s.oauthConfig(body.RedirectURI).Exchange(ctx, body.Code)
	if err != nil {
		s.writeUpstreamError(c, err, "Token exchange failed")
		return
	}

	var refresh *string
	if tok.RefreshToken != "" {
		refresh = &tok.RefreshToken
	}
	appLog.Info("tokenserver: code exchanged", "has_refresh", refresh != nil)
	c.JSON(http.StatusOK, gin.H{
		"access_token":  tok.AccessToken,
		"expires_in":    expiresIn(tok),
		"refresh_token": refresh,
	})
}

func (s *Server) handleRefresh(c *gin.Context) {
	var body refreshBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "Invalid JSON body"})
		return
	}
	if body.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, errorBody{Error: "Missing refresh_token"})
		return
	}

	ctx, cancel := s.upstreamContext(c.Request.Context())
	defer cancel()

	tok, err := s.oauthConfig("").TokenSource(ctx, &oauth2.Token{RefreshToken: body.RefreshToken}).Token()
	if err != nil {
		s.writeUpstreamError(c, err, "Refresh failed")
		return
	}

	appLog.Info("tokenserver: token refreshed")
	c.JSON(http.StatusOK, gin.H{
		"access_token": tok.AccessToken,
		"expires_in":   expiresIn(tok),
	})
}

// writeUpstreamError forwards the identity provider's status and its
// error_description (or error code). Transport failures become a 500.
func (s *Server) writeUpstreamError(c *gin.Context, err error, fallback string) {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) && rErr.Response != nil {
		msg := rErr.ErrorDescription
		if msg == "" {
			msg = rErr.ErrorCode
		}
		if msg == "" {
			msg = fallback
		}
		appLog.Warn("tokenserver: upstream rejected", "status", rErr.Response.StatusCode, "error", msg)
		c.JSON(rErr.Response.StatusCode, errorBody{Error: msg})
		return
	}
	appLog.Error("tokenserver: upstream call failed", err)
	c.JSON(http.StatusInternalServerError, errorBody{Error: fallback})
}

func expiresIn(tok *oauth2.Token) int64 {
	if tok.Expiry.IsZero() {
		return defaultExpiresIn
	}
	secs := int64(math.Round(time.Until(tok.Expiry).Seconds()))
	if secs <= 0 {
		return defaultExpiresIn
	}
	return secs
}
