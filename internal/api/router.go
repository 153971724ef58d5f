// Package api exposes session, sync and messaging operations over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/messaging"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/store"
	intsync "github.com/matheus3301/wpphub/internal/sync"
)

// Store is the persistence the handlers read and provision through.
type Store interface {
	store.AccountStore
	store.ConversationStore
	store.MessageStore
	store.OutboxStore
}

// Sessions is the lifecycle controller.
type Sessions interface {
	StartSession(ctx context.Context, accountID, userID string) session.StartResult
	StopSession(ctx context.Context, accountID string) (bool, error)
	RestoreAll(ctx context.Context) (session.RestoreReport, error)
	Handles() []session.Info
}

// Syncer runs bulk conversation syncs.
type Syncer interface {
	SyncAll(ctx context.Context, accountID string) intsync.Result
	LastFullSync(ctx context.Context, accountID string) (time.Time, error)
}

// Sender delivers a message immediately.
type Sender interface {
	Send(ctx context.Context, accountID, to, content string, typ store.MessageType) messaging.SendResult
}

// Queue accepts messages for durable, asynchronous delivery.
type Queue interface {
	Enqueue(ctx context.Context, accountID, to, body string) (*store.OutboxEntry, error)
}

// Deps are the services the router dispatches to.
type Deps struct {
	Store    Store
	Sessions Sessions
	Syncer   Syncer
	Sender   Sender
	Queue    Queue
	Bus      *bus.Bus
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Options tune the HTTP edge.
type Options struct {
	RateRPS     float64
	RateBurst   int
	CORSOrigins []string
}

// NewRouter builds the gin engine with middleware and every route.
//
// Middleware order: request id, access log, recovery, metrics, rate limit,
// CORS, compression.
func NewRouter(d Deps, opts Options) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(requestID())
	r.Use(accessLog(d.Logger.Named("http")))
	r.Use(recovery())
	r.Use(instrument())
	if opts.RateRPS > 0 {
		r.Use(newRateLimiter(opts.RateRPS, opts.RateBurst).handler())
	}
	r.Use(corsMiddleware(opts.CORSOrigins))
	// Hijacked websocket connections cannot be compressed.
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/v1/events"})))

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	sessions := NewSessionService(d.Store, d.Sessions, d.Syncer)
	syncs := NewSyncService(d.Store, d.Syncer)
	chats := NewChatService(d.Store, d.Bus)
	messages := NewMessageService(d.Store, d.Sender, d.Queue)
	events := NewEventService(d.Bus, d.Logger)

	v1 := r.Group("/v1")
	{
		v1.POST("/accounts", sessions.CreateAccount)
		v1.GET("/accounts/:id", sessions.GetAccount)
		v1.POST("/accounts/:id/session", sessions.Start)
		v1.DELETE("/accounts/:id/session", sessions.Stop)
		v1.GET("/sessions", sessions.List)
		v1.POST("/sessions/restore", sessions.Restore)

		v1.POST("/accounts/:id/sync", syncs.SyncAll)

		v1.GET("/accounts/:id/conversations", chats.ListConversations)
		v1.GET("/conversations/:id/messages", chats.ListMessages)
		v1.POST("/conversations/:id/read", chats.MarkRead)

		v1.POST("/accounts/:id/messages", messages.Send)
		v1.GET("/outbox/:id", messages.GetOutbox)

		v1.GET("/events", events.Stream)
	}
	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader, "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
