package status

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "gridflow/config"
	"gridflow/logger"
	"gridflow/models"
)

// SnapshotFunc produces a point-in-time copy of engine state.
type SnapshotFunc func() models.SummarySnapshot

// Server exposes read-only JSON endpoints over the engine: health,
// current status and the latest summary snapshot. It never mutates
// anything.
type Server struct {
	config     appconfig.StatusConfig
	appName    string
	version    string
	snapshot   SnapshotFunc
	httpServer *http.Server
	log        *logger.Log
}

func NewServer(cfg *appconfig.Config, snapshot SnapshotFunc) *Server {
	if !cfg.Status.Enabled {
		return nil
	}
	s := &Server{
		config:   cfg.Status,
		appName:  cfg.Gridflow.Name,
		version:  cfg.Gridflow.Version,
		snapshot: snapshot,
		log:      logger.GetLogger(),
	}
	s.config.Address = normalizeAddress(s.config.Address)
	return s
}

// Run starts the server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.httpServer = &http.Server{
		Addr:    s.config.Address,
		Handler: s.buildRouter(),
	}

	s.log.WithComponent("status_server").WithFields(logger.Fields{
		"address": s.config.Address,
	}).Info("status server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"app":     s.appName,
			"version": s.version,
		})
	})

	router.GET("/api/status", func(c *gin.Context) {
		snap := s.snapshot()
		c.JSON(http.StatusOK, gin.H{
			"symbol":         snap.Symbol,
			"session_id":     snap.SessionID,
			"generation":     snap.Generation,
			"mark_price":     snap.MarkPrice,
			"position_qty":   snap.Position.Qty,
			"avg_entry":      snap.Position.AvgEntryPrice,
			"realized_pnl":   snap.Position.RealizedPnL,
			"unrealized_pnl": snap.UnrealizedPnL,
			"open_orders":    snap.OpenOrders,
			"risk_state":     snap.RiskState,
			"last_error":     snap.LastError,
			"uptime":         snap.Uptime.Round(time.Second).String(),
		})
	})

	router.GET("/api/summary", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.snapshot())
	})

	return router
}

func normalizeAddress(addr string) string {
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if !strings.Contains(addr, ":") {
		return "0.0.0.0:" + addr
	}
	return addr
}
