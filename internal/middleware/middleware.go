package middleware

import (
	"net/http"

	"github.com/captivegate/captivegate/internal/config"
	"github.com/captivegate/captivegate/internal/database"
	"github.com/captivegate/captivegate/internal/device"
	"github.com/captivegate/captivegate/internal/logger"
)

// Middleware holds all HTTP middleware
type Middleware struct {
	rdb   *database.Redis
	log   *logger.Logger
	cfg   *config.Config
	local *localLimiter
}

// New creates a new Middleware instance. rdb may be nil, in which case rate
// limits are kept in process memory.
func New(rdb *database.Redis, log *logger.Logger, cfg *config.Config) *Middleware {
	return &Middleware{
		rdb:   rdb,
		log:   log.WithComponent("http"),
		cfg:   cfg,
		local: newLocalLimiter(),
	}
}

// clientIP returns the normalized client address, honouring forwarded headers only when configured
func (m *Middleware) clientIP(r *http.Request) string {
	return device.MetaFromRequest(r, m.cfg.Server.TrustProxyHeaders).Address()
}
