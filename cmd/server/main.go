package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/captivegate/captivegate/internal/auth"
	"github.com/captivegate/captivegate/internal/config"
	"github.com/captivegate/captivegate/internal/database"
	"github.com/captivegate/captivegate/internal/device"
	"github.com/captivegate/captivegate/internal/handler"
	"github.com/captivegate/captivegate/internal/logger"
	"github.com/captivegate/captivegate/internal/middleware"
	"github.com/captivegate/captivegate/internal/proxy"
	"github.com/captivegate/captivegate/internal/repository"
	"github.com/captivegate/captivegate/internal/router"
	"github.com/captivegate/captivegate/internal/service"
)

// stores bundles the backend implementations selected by configuration
type stores struct {
	sessions service.SessionStore
	tickets  service.TicketStore
	locks    service.LockStore
	grants   service.GrantStore
	events   service.AdEventStore
	links    service.LinkStore
	audit    service.AuditStore
}

func main() {
	// Load configuration
	var (
		cfg *config.Config
		err error
	)
	if path := os.Getenv("CAPTIVEGATE_CONFIG_FILE"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", handler.Version).Msg("starting captivegate")

	var (
		db  *database.Postgres
		rdb *database.Redis
	)

	if cfg.Ledger.Backend == "postgres" {
		db, err = database.NewPostgres(cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("connected to PostgreSQL")
	}

	if cfg.Store.Backend == "redis" {
		rdb, err = database.NewRedis(cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer rdb.Close()
		log.Info().Msg("connected to Redis")
	}

	st := buildStores(db, rdb)
	log.Info().Str("store", cfg.Store.Backend).Str("ledger", cfg.Ledger.Backend).Msg("backends initialized")

	// Device identity
	var resolver device.Resolver = device.NoopResolver{}
	if cfg.Proxy.HardwareLookup == "arp" {
		resolver = device.NewARPTableResolver("")
	}
	identity := device.NewIdentity(resolver, cfg.Proxy.HardwareTTL, log)

	// Core services
	auditor := service.NewAuditor(st.audit, log)
	ledger := service.NewQuotaLedger(st.grants, st.links, cfg.Quota.UnifyLinked, log)
	locks := service.NewRouterLockManager(st.locks, cfg.RouterLock.Grace, log)
	gate := service.NewEligibilityGate(st.tickets, st.events, cfg.Ad.TicketTTL, cfg.Ad.RecoveryWindow, log)
	sessions := service.NewSessionRegistry(st.sessions, identity, locks, ledger, cfg.Session.RevalidateAfter, log)
	portalTokens := auth.NewPortalTokenCodec(cfg.Security.SigningSecret, cfg.Security.PortalTokenTTL)
	adminTokens := auth.NewAdminTokenService(cfg.Security.SigningSecret, cfg.Security.Admin)

	ads := service.NewAdService(st.events, gate, locks, sessions, ledger, auditor, cfg.Ad, log)
	bundles := service.NewBundleService(gate, sessions, ledger, locks, portalTokens, auditor, cfg.Session.TTL, cfg.Ad.MaxGrantMB, log)
	admin := service.NewAdminService(cfg.Security.Admin, adminTokens, ledger, auditor, log)
	if cfg.Security.Admin.PasswordHash == "" {
		log.Warn().Msg("security.admin.password_hash is empty, operator API disabled")
	}

	// Walled garden
	var rulesFile *proxy.RulesFile
	if cfg.Proxy.RulesFile != "" {
		rulesFile, err = proxy.LoadRulesFile(cfg.Proxy.RulesFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load rules file")
		}
	}
	rules, err := proxy.NewRuleTable(proxy.RuleOptions{
		PortalHosts: []string{cfg.Server.PublicHost},
		ExtraHosts:  cfg.Proxy.ExtraHosts,
		Strict:      cfg.Proxy.StrictWalledGarden,
		File:        rulesFile,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to compile walled-garden rules")
	}
	pages := proxy.NewPages(cfg.Server.PortalURL())
	decider := proxy.NewDecider(rules, sessions, ledger, ads, portalTokens, false, log)
	gateway := proxy.New(cfg.Proxy, false, decider, ledger, pages, log)
	defer gateway.Close()

	// Portal API
	h := handler.New(db, rdb, log, cfg, handler.Services{
		Sessions: sessions,
		Ledger:   ledger,
		Locks:    locks,
		Ads:      ads,
		Bundles:  bundles,
		Admin:    admin,
		Tokens:   portalTokens,
		Pages:    pages,
	})
	mw := middleware.New(rdb, log, cfg)
	r := router.New(h, mw, adminTokens, cfg.Server.CORSOrigins)

	portalAddr := joinAddr(cfg.Server.Host, cfg.Server.PortalPort)
	portalSrv := &http.Server{
		Addr:         portalAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Tunnels are long-lived, so the proxy only bounds the request header
	proxyAddr := joinAddr(cfg.Server.Host, cfg.Server.ProxyPort)
	proxySrv := &http.Server{
		Addr:              proxyAddr,
		Handler:           gateway,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	// Background sweeps
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	janitor := service.NewJanitor(sessions, gate, locks, cfg.Janitor.Interval, log)
	go janitor.Run(janitorCtx)

	go func() {
		log.Info().Str("addr", portalAddr).Msg("portal API listening")
		if err := portalSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("portal server error")
		}
	}()
	go func() {
		log.Info().Str("addr", proxyAddr).Msg("proxy listening")
		if err := proxySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("proxy server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")
	stopJanitor()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := proxySrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("proxy forced to shutdown")
	}
	if err := portalSrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("portal forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// buildStores picks the ephemeral store from rdb and the ledger from db.
// A nil connection selects the in-memory implementation.
func buildStores(db *database.Postgres, rdb *database.Redis) stores {
	var st stores

	if rdb != nil {
		st.sessions = repository.NewRedisSessionStore(rdb)
		st.tickets = repository.NewRedisTicketStore(rdb)
		st.locks = repository.NewRedisLockStore(rdb)
	} else {
		st.sessions = repository.NewMemorySessionStore()
		st.tickets = repository.NewMemoryTicketStore()
		st.locks = repository.NewMemoryLockStore()
	}

	if db != nil {
		st.grants = repository.NewGrantRepository(db)
		st.events = repository.NewAdEventRepository(db)
		st.links = repository.NewLinkRepository(db)
		st.audit = repository.NewAuditRepository(db)
	} else {
		st.grants = repository.NewMemoryGrantStore()
		st.events = repository.NewMemoryAdEventStore()
		st.links = repository.NewMemoryLinkStore()
		st.audit = repository.NewMemoryAuditStore()
	}
	return st
}

func joinAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
