package http

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	sessionName    = "meshvoice_ctl"
	clientTokenKey = "client_token"
)

// originPolicy decides which browser origins may drive the API. Requests
// without an Origin header come from native clients and are let through.
type originPolicy struct {
	allowed map[string]struct{}
}

func newOriginPolicy(allowed []string) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{}, len(allowed))}
	for _, o := range allowed {
		p.allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" {
		return true
	}
	if _, ok := p.allowed[strings.ToLower(origin)]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (p originPolicy) checkRequest(r *http.Request) bool {
	return p.allows(r.Header.Get("Origin"))
}

// OriginGuard rejects requests sent by pages on foreign origins.
func OriginGuard(p originPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); !p.allows(origin) {
			log.Warn().Str("module", "adapters.http").Str("origin", origin).Str("path", c.Request.URL.Path).Msg("origin rejected")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}
		c.Next()
	}
}

// RequireJSON refuses bodies that are not application/json, which also
// keeps simple cross-site form posts out.
func RequireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.ContentType() != gin.MIMEJSON {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "content type must be application/json"})
			return
		}
		c.Next()
	}
}

// ControlSessions keeps a per-browser client token in a SameSite=Strict
// cookie session.
func ControlSessions(secret string) gin.HandlerFunc {
	if secret == "" {
		secret = uuid.NewString()
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   3600 * 24 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return sessions.Sessions(sessionName, store)
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			s.Set(clientTokenKey, token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}
