package kernel

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/Brahma-fi/brahma-connect/internal/bridge"
	"github.com/Brahma-fi/brahma-connect/internal/journal"
	"github.com/Brahma-fi/brahma-connect/internal/rules"
	"github.com/Brahma-fi/brahma-connect/internal/tracker"
	"github.com/Brahma-fi/brahma-connect/internal/wire"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const contextParam = "contextId"

// Router serves the page bridge, the notification channel, context control,
// rule and journal inspection, and metrics.
func (k *Kernel) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), k.cors())

	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/bridge/:"+contextParam, k.handleBridge)
	router.GET("/notifications/:"+contextParam, k.handleNotifications)

	router.GET("/contexts", func(c *gin.Context) { c.JSON(http.StatusOK, k.tracker.Snapshot()) })
	router.POST("/events", k.handleContextEvent)
	contexts := router.Group("/contexts/:" + contextParam)
	contexts.POST("/track", k.handleTrack)
	contexts.DELETE("/track", k.handleUntrack)
	contexts.POST("/toggle", k.handleToggle)
	contexts.DELETE("/fork", k.handleDeleteFork)

	router.GET("/rules", k.handleRules)
	router.GET("/journal", k.handleJournal)

	return router
}

func (k *Kernel) cors() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Authorization", "Origin", "Accept"},
		MaxAge:       12 * time.Hour,
	}
	allowed := k.cfg.Kernel.AllowedOrigins
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowed
	}
	return cors.New(cfg)
}

func contextID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param(contextParam))
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid context id"})
		return 0, false
	}
	return id, true
}

func (k *Kernel) handleBridge(c *gin.Context) {
	id, ok := contextID(c)
	if !ok {
		return
	}

	ws, err := k.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		k.logger.Warn("bridge upgrade failed", "context_id", id, "err", err)
		return
	}

	conn := bridge.NewConn(ws)
	defer conn.Close()
	if err := k.Session(id).Serve(c.Request.Context(), conn); err != nil {
		k.logger.Warn("bridge connection failed", "context_id", id, "err", err)
	}
}

// handleNotifications relays the session's human-facing messages to the
// client and posts what the client sends back, signature responses, to the
// session.
func (k *Kernel) handleNotifications(c *gin.Context) {
	id, ok := contextID(c)
	if !ok {
		return
	}

	ws, err := k.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		k.logger.Warn("notification upgrade failed", "context_id", id, "err", err)
		return
	}

	hub := k.Session(id).Notifications()
	conn := bridge.NewConn(ws)
	defer conn.Close()

	inbox := bridge.NewWindow("notifications")
	defer inbox.Close()

	unsubscribe := hub.Subscribe(func(message string) {
		if err := conn.Post(wire.Text(message)); err != nil {
			k.logger.Warn("failed to relay notification", "context_id", id, "err", err)
		}
	})
	defer unsubscribe()

	stop := inbox.Subscribe(func(d bridge.Delivery) {
		if d.Message.Kind() == wire.KindText {
			hub.Post(d.Message.Text)
		}
	})
	defer stop()

	if err := conn.Run(c.Request.Context(), inbox); err != nil {
		k.logger.Warn("notification connection failed", "context_id", id, "err", err)
	}
}

func (k *Kernel) handleContextEvent(c *gin.Context) {
	var ev tracker.ContextEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	k.HandleContextEvent(c.Request.Context(), ev)
	c.Status(http.StatusAccepted)
}

func (k *Kernel) handleTrack(c *gin.Context) {
	id, ok := contextID(c)
	if !ok {
		return
	}
	k.Session(id)
	k.tracker.StartTracking(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{"contextId": id, "active": true})
}

func (k *Kernel) handleUntrack(c *gin.Context) {
	id, ok := contextID(c)
	if !ok {
		return
	}
	k.CloseSession(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{"contextId": id, "active": false})
}

func (k *Kernel) handleToggle(c *gin.Context) {
	id, ok := contextID(c)
	if !ok {
		return
	}
	active := !k.tracker.IsActive(id)
	if active {
		k.Session(id)
		k.tracker.StartTracking(c.Request.Context(), id)
	} else {
		k.Untrack(c.Request.Context(), id)
	}
	c.JSON(http.StatusOK, gin.H{"contextId": id, "active": active})
}

func (k *Kernel) handleDeleteFork(c *gin.Context) {
	id, ok := contextID(c)
	if !ok {
		return
	}
	s, err := k.lookup(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.DeleteFork(context.WithoutCancel(c.Request.Context()))
	c.Status(http.StatusNoContent)
}

func (k *Kernel) handleRules(c *gin.Context) {
	installed := k.rules.Rules()
	if c.Query("format") != "yaml" {
		c.JSON(http.StatusOK, installed)
		return
	}

	data, err := rules.MarshalYAML(installed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/yaml", data)
}

func (k *Kernel) handleJournal(c *gin.Context) {
	if k.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}

	var opts journal.ListOptions
	if raw := c.Query("context"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid context"})
			return
		}
		opts.ContextID = &id
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		opts.Limit = limit
	}

	checkpoints, err := k.journal.List(c.Request.Context(), opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, checkpoints)
}
