// Package http serves the relay's HTTP surface: the websocket channel,
// health, metrics and generated artifacts.
package http

import (
	"context"
	"net/http"
	"time"

	"taskrelay/internal/observability"
	"taskrelay/internal/server/app"
	"taskrelay/internal/shared/logging"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
)

// StatusSource produces the debug status report.
type StatusSource interface {
	Status() app.DebugStatus
}

// RouterConfig wires the router to the running services.
type RouterConfig struct {
	Channel        http.Handler
	Health         *app.HealthChecker
	Status         StatusSource
	Gatherer       prometheus.Gatherer
	ArtifactFs     afero.Fs
	ArtifactDir    string
	AllowedOrigins []string
	Debug          bool
	Logger         logging.Logger
}

// NewRouter creates the gin engine with every endpoint.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("HTTP")
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger(logger))
	engine.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	if cfg.Channel != nil {
		engine.GET("/ws", gin.WrapH(cfg.Channel))
	}
	engine.GET("/healthz", healthHandler(cfg.Health))
	if cfg.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(observability.Handler(cfg.Gatherer)))
	}
	if cfg.Status != nil {
		engine.GET("/debug/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, cfg.Status.Status())
		})
	}
	if cfg.ArtifactFs != nil && cfg.ArtifactDir != "" {
		engine.StaticFS("/artifacts", afero.NewHttpFs(cfg.ArtifactFs).Dir(cfg.ArtifactDir))
	}
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
	})
	return engine
}

func corsConfig(origins []string) cors.Config {
	conf := cors.DefaultConfig()
	if len(origins) == 0 {
		conf.AllowAllOrigins = true
	} else {
		conf.AllowOrigins = origins
	}
	conf.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	conf.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	conf.AllowWebSockets = true
	return conf
}

func healthHandler(checker *app.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if checker == nil {
			c.JSON(http.StatusOK, gin.H{"status": app.HealthReady, "components": []app.ComponentHealth{}})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		status, components := checker.CheckAll(ctx)
		code := http.StatusOK
		if status == app.HealthDown {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "components": components})
	}
}
