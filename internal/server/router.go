// Package server assembles the HTTP surface: the live channel endpoint,
// the fallback gateway and the operational routes.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"conversation-service/internal/auth"
	"conversation-service/internal/clock"
	"conversation-service/internal/handlers"
	"conversation-service/internal/logging"
	"conversation-service/internal/middleware"
	"conversation-service/internal/observability"
	"conversation-service/internal/pipeline"
	"conversation-service/internal/presence"
	"conversation-service/internal/repositories"
	"conversation-service/internal/telemetry"
	"conversation-service/internal/users"
	"conversation-service/internal/ws"
)

const serviceName = "conversation-service"

// Deps are the collaborators the routes are built from.
type Deps struct {
	Conversations repositories.ConversationRepository
	Messages      repositories.MessageRepository
	Resolver      auth.Resolver
	Directory     users.Directory
	Hub           *ws.Hub
	Pipeline      *pipeline.Pipeline
	Presence      *presence.Coordinator
	Uploader      handlers.Uploader
	Audit         *telemetry.AuditEmitter
	Clock         clock.Clock

	Connection         ws.ConnectionOptions
	MaxAttachmentBytes int64
	// MediaDir is served under /media when set (local content store).
	MediaDir    string
	DebugRoutes bool
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(serviceName),
		observability.RequestIDMiddleware(),
		logging.GinLogger(),
		observability.HTTPMetricsMiddleware(),
	)

	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": d.Hub.Count()})
	})
	if d.MediaDir != "" {
		router.Static("/media", d.MediaDir)
	}

	liveHandler := ws.NewHandler(d.Hub, d.Resolver, d.Pipeline, d.Presence, d.Connection)
	router.GET("/ws", liveHandler.Handle)

	conversationHandler := handlers.NewConversationHandler(d.Conversations, d.Messages, d.Directory, d.Hub, d.Presence, d.Clock)
	messageHandler := handlers.NewMessageHandler(d.Pipeline)

	authed := router.Group("/", middleware.AuthMiddleware(d.Resolver))
	authed.POST("/conversations", conversationHandler.CreateConversation)
	authed.GET("/conversations", conversationHandler.ListConversations)
	authed.GET("/conversations/:id/messages", conversationHandler.GetMessages)
	authed.POST("/conversations/:id/messages", messageHandler.PostMessage)
	authed.POST("/conversations/:id/read", conversationHandler.MarkRead)
	authed.PATCH("/messages/:id", messageHandler.EditMessage)
	authed.DELETE("/messages/:id", messageHandler.DeleteMessage)
	if d.Uploader != nil {
		attachmentHandler := handlers.NewAttachmentHandler(d.Uploader, d.MaxAttachmentBytes)
		authed.POST("/attachments", attachmentHandler.Upload)
	}

	handlers.RegisterDebugRoutes(router, d.Audit, d.Hub, d.DebugRoutes)
	return router
}

// Serve runs handler on addr until ctx ends, then drains in-flight
// requests for up to shutdownTimeout.
func Serve(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
