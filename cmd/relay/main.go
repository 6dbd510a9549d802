// Command relay is the server binary: loads configuration, opens the
// bbolt store, replays group state from it, wires the crypto pool,
// coordinator, middleware chain and HTTP/WebSocket router together,
// and runs until an interrupt signal triggers a graceful shutdown.
// Bring-up and shutdown follow a flag-driven config path, a background
// HTTP server goroutine, and signal.Notify + srv.Shutdown(ctx) with a
// bounded timeout.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/robfig/cron/v3"

	"github.com/groups-relay/relay/internal/auth"
	"github.com/groups-relay/relay/internal/cache"
	"github.com/groups-relay/relay/internal/config"
	"github.com/groups-relay/relay/internal/coordinator"
	"github.com/groups-relay/relay/internal/crypto"
	"github.com/groups-relay/relay/internal/group"
	"github.com/groups-relay/relay/internal/kinds"
	"github.com/groups-relay/relay/internal/logger"
	"github.com/groups-relay/relay/internal/pipeline"
	"github.com/groups-relay/relay/internal/ratelimit"
	"github.com/groups-relay/relay/internal/store"
	"github.com/groups-relay/relay/internal/transport"
)

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to a YAML config file (optional; environment variables always override it)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	relaySecretKey := cfg.RelaySecretKey
	if relaySecretKey == "" {
		relaySecretKey = nostr.GeneratePrivateKey()
		log.Warn().Msg("RELAY_SECRET_KEY not configured; generated an ephemeral relay identity for this process")
	}
	relayPubkey, err := nostr.GetPublicKey(relaySecretKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to derive relay pubkey")
	}

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("failed to open store")
	}
	defer s.Close()

	pool := crypto.NewPool()
	defer pool.Close()

	catalog := group.NewCatalog(relayPubkey)
	if err := replayGroups(context.Background(), s, catalog); err != nil {
		log.Fatal().Err(err).Msg("failed to replay group state from store")
	}

	coord := coordinator.New(s, catalog, pool, relaySecretKey, cfg.ReplaceableBufferWindow)

	var challengeStore *auth.ChallengeStore
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewCache(cache.Config{
			Host: cfg.Redis.Host, Port: cfg.Redis.Port, Password: cfg.Redis.Password,
			DB: cfg.Redis.DB, Enabled: true,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to Redis; AUTH challenges will not survive instance failover")
			redisCache, _ = cache.NewCache(cache.Config{Enabled: false})
		} else {
			defer redisCache.Close()
		}
		challengeStore = auth.NewChallengeStore(redisCache)
	}

	chain := pipeline.New(pipeline.Deps{
		Pool:            pool,
		Catalog:         catalog,
		Coordinator:     coord,
		NonGroupAllowed: cfg.NonGroupAllowedKinds,
		AuthURL:         cfg.AuthURL,
		ChallengeTTL:    10 * time.Minute,
		QueryLimit:      cfg.QueryLimit,
		ChallengeStore:  challengeStore,
		EnableSetRoles:  cfg.Features.EnableSetRoles,
	})

	limiter := ratelimit.New(5, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord.Start(ctx)
	defer coord.Stop()

	c := startCron(catalog)
	defer c.Stop()

	router := transport.NewRouter(transport.Deps{
		Chain: chain, Coordinator: coord, Catalog: catalog, Config: cfg, Limiter: limiter,
	})

	srv := &http.Server{
		Addr:              cfg.LocalAddr,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", cfg.LocalAddr).Str("relay_pubkey", relayPubkey).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownTimeout := 30 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shut down")
	} else {
		log.Info().Msg("HTTP server stopped gracefully")
	}
}

// startCron registers the two periodic maintenance jobs that fall
// outside any connection's request path: a 30-second metrics refresh,
// and a daily sweep of orphaned single-use group invites.
func startCron(catalog *group.Catalog) *cron.Cron {
	log := logger.GetLogger()
	c := cron.New()
	if _, err := c.AddFunc("@every 30s", catalog.RefreshMetrics); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule metrics refresh job")
	}
	if _, err := c.AddFunc("@midnight", func() {
		swept := catalog.SweepOrphanInvites()
		if swept > 0 {
			log.Info().Int("invites_freed", swept).Msg("swept orphaned group invites")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule invite sweep job")
	}
	c.Start()
	return c
}

// replayGroups rebuilds the in-memory catalog from the store's
// addressable state kinds (39000/39001/39002) across every known
// scope, the same reconstruction cmd/dump's -mode groups performs for
// read-only introspection.
func replayGroups(ctx context.Context, s *store.Store, catalog *group.Catalog) error {
	scopes, err := s.Scopes()
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		if err := replayScope(ctx, s, catalog, scope); err != nil {
			return fmt.Errorf("replay scope %q: %w", scope, err)
		}
	}
	return nil
}

func replayScope(ctx context.Context, s *store.Store, catalog *group.Catalog, scope string) error {
	metaEvents, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{kinds.GroupMetadata}}}, scope)
	if err != nil {
		return err
	}
	sort.Slice(metaEvents, func(i, j int) bool { return metaEvents[i].CreatedAt < metaEvents[j].CreatedAt })

	for _, meta := range metaEvents {
		dTag := meta.Tags.GetFirst([]string{"d", ""})
		if dTag == nil || len(*dTag) < 2 {
			continue
		}
		groupID := (*dTag)[1]

		admins, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{kinds.GroupAdmins}, Tags: nostr.TagMap{"d": {groupID}}, Limit: 1}}, scope)
		if err != nil {
			return err
		}
		members, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{kinds.GroupMembers}, Tags: nostr.TagMap{"d": {groupID}}, Limit: 1}}, scope)
		if err != nil {
			return err
		}

		var adminsEvt, membersEvt *nostr.Event
		if len(admins) > 0 {
			adminsEvt = admins[0]
		}
		if len(members) > 0 {
			membersEvt = members[0]
		}

		catalog.Insert(group.LoadFromState(scope, groupID, meta, adminsEvt, membersEvt))
	}
	return nil
}
