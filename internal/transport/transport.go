// Package transport is the relay's thin HTTP/WebSocket shell: the `/`
// route serves a NIP-11 relay-info document, upgrades to a WebSocket
// session, or serves a static placeholder page depending on the
// request; `/health` and `/metrics` are plain operational endpoints;
// `/admin/*` are supplemented operator endpoints guarded by the
// relay's own admin pubkey. Routed with gin-gonic/gin and upgraded
// with gorilla/websocket.
package transport

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/groups-relay/relay/internal/config"
	"github.com/groups-relay/relay/internal/coordinator"
	"github.com/groups-relay/relay/internal/group"
	"github.com/groups-relay/relay/internal/logger"
	"github.com/groups-relay/relay/internal/metrics"
	"github.com/groups-relay/relay/internal/middleware"
	"github.com/groups-relay/relay/internal/pipeline"
	"github.com/groups-relay/relay/internal/ratelimit"
	"github.com/groups-relay/relay/internal/relayerr"
	"github.com/groups-relay/relay/internal/session"
	"github.com/groups-relay/relay/internal/subdomain"
	"github.com/groups-relay/relay/internal/validator"
)

// Deps bundles the collaborators the HTTP surface needs.
type Deps struct {
	Chain       *pipeline.Chain
	Coordinator *coordinator.Coordinator
	Catalog     *group.Catalog
	Config      *config.Config
	Limiter     *ratelimit.Limiter
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewRouter builds the gin engine serving every route the relay exposes.
func NewRouter(deps Deps) *gin.Engine {
	metrics.Register()

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.StructuredLogger())

	router.GET("/", handleRoot(deps))
	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// The admin surface gets its own recovery/error-reporting pair,
	// distinct from the top-level gin.Recovery(): RelayError values
	// raised with relayerr.AbortWithError are rendered with the same
	// shape the WS pipeline uses for its own error replies. It also
	// gets a request timeout, unlike "/" which holds a long-lived
	// WebSocket connection open deliberately.
	admin := router.Group("/admin")
	admin.Use(relayerr.Recovery(), relayerr.ErrorHandler())
	admin.Use(middleware.TimeoutWithDuration(15 * time.Second))
	admin.Use(adminAuth(deps.Config.AdminPubkey))
	admin.POST("/invites", handleCreateInvite(deps))
	admin.GET("/groups/:scope/:id", handleGetGroup(deps))

	return router
}

func handleHealth(c *gin.Context) {
	c.Status(http.StatusOK)
}

// handleRoot dispatches on the request: a `Connection: Upgrade` header
// becomes a WebSocket session, an `Accept: application/nostr+json`
// header returns the NIP-11 document, and anything else gets a static
// placeholder page (no SPA bundle is shipped).
func handleRoot(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			handleUpgrade(deps, c)
			return
		}
		if c.GetHeader("Accept") == "application/nostr+json" {
			c.JSON(http.StatusOK, relayInfo(deps.Config))
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(staticPage))
	}
}

func handleUpgrade(deps Deps, c *gin.Context) {
	if deps.Limiter != nil && !deps.Limiter.Allow(c.Request) {
		c.String(http.StatusTooManyRequests, "rate limited")
		return
	}

	max := deps.Config.WebSocket.MaxConnections
	if max > 0 && atomic.AddInt64(&activeConnCount, 1) > int64(max) {
		atomic.AddInt64(&activeConnCount, -1)
		c.String(http.StatusServiceUnavailable, "too many connections")
		return
	}

	scope, _ := subdomain.Extract(c.Request.Host, deps.Config.BaseDomainParts)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if max > 0 {
			atomic.AddInt64(&activeConnCount, -1)
		}
		logger.Session().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := newConnID()
	sess := session.New(c.Request.Context(), connID, conn, deps.Chain, deps.Coordinator, scope, deps.Config.RelayURL, deps.Config.WebSocket.ChannelSize, deps.Config.WebSocket.MaxConnectionTime)
	sess.OnDisconnect(func(string) {
		if max > 0 {
			atomic.AddInt64(&activeConnCount, -1)
		}
	})
}

// activeConnCount tracks live WebSocket connections so handleUpgrade can
// enforce websocket.max_connections; only touched when that cap is set.
var activeConnCount int64

// relayInfoDoc is the NIP-11 response shape.
type relayInfoDoc struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Pubkey        string         `json:"pubkey,omitempty"`
	SupportedNIPs []int          `json:"supported_nips"`
	Software      string         `json:"software"`
	Version       string         `json:"version"`
	Limitation    relayLimitation `json:"limitation"`
}

type relayLimitation struct {
	MaxLimit            int  `json:"max_limit"`
	AuthRequired        bool `json:"auth_required"`
	RestrictedWrites    bool `json:"restricted_writes"`
}

func relayInfo(cfg *config.Config) relayInfoDoc {
	nips := []int{9, 11, 29, 40, 42, 70}
	sort.Ints(nips)
	return relayInfoDoc{
		Name:          "groups-relay",
		Description:   "A Nostr relay implementing NIP-29 managed groups.",
		SupportedNIPs: nips,
		Software:      "https://github.com/groups-relay/relay",
		Version:       "0.1.0",
		Limitation: relayLimitation{
			MaxLimit:         cfg.QueryLimit,
			AuthRequired:     false,
			RestrictedWrites: true,
		},
	}
}

const staticPage = `<!DOCTYPE html>
<html><head><title>groups-relay</title></head>
<body><h1>groups-relay</h1><p>A Nostr relay implementing NIP-29 managed groups.</p></body>
</html>`

var connSeq uint64

func newConnID() string {
	n := atomic.AddUint64(&connSeq, 1)
	return "c" + strconv.FormatUint(n, 36)
}

// adminAuth guards /admin/* with a shared secret comparison against
// the configured admin pubkey, passed as a bearer token. This is not a
// signed-event challenge (the relay has no user-facing admin login
// flow to attach one to); it exists only to keep the operator surface
// off the open internet.
func adminAuth(adminPubkey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminPubkey == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin surface not configured"})
			c.Abort()
			return
		}
		token := c.GetHeader("Authorization")
		want := "Bearer " + adminPubkey
		if token != want {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin credentials"})
			c.Abort()
			return
		}
		c.Next()
	}
}

type createInviteRequest struct {
	Scope    string   `json:"scope"`
	GroupID  string   `json:"group_id" validate:"required,max=64"`
	Code     string   `json:"code" validate:"required,max=64"`
	Reusable bool     `json:"reusable"`
	Roles    []string `json:"roles"`
}

func handleCreateInvite(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createInviteRequest
		if !validator.BindAndValidate(c, &req) {
			return
		}
		if relErr := deps.Catalog.CreateInviteAdmin(req.Scope, req.GroupID, req.Code, req.Reusable, req.Roles); relErr != nil {
			relayerr.AbortWithError(c, relErr)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"status": "created"})
	}
}

func handleGetGroup(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := c.Param("scope")
		id := c.Param("id")
		g := deps.Catalog.Get(scope, id)
		if g == nil {
			notFound := relayerr.InvalidEvent(fmt.Sprintf("group %s/%s not found", scope, id))
			notFound.StatusCode = http.StatusNotFound
			relayerr.AbortWithError(c, notFound)
			return
		}
		c.JSON(http.StatusOK, g.Snapshot())
	}
}
