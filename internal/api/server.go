package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradingcore/internal/domain"
	"tradingcore/internal/ports"
)

// Overrides is the manual override controller surface the API exposes.
type Overrides interface {
	EmergencyStop(ctx context.Context, principal, reason string) error
	ClearEmergencyStop(ctx context.Context, principal string) error
	IsStopped() bool
	PauseStrategy(ctx context.Context, principal, strategyID string) error
	ResumeStrategy(ctx context.Context, principal, strategyID string) error
	ManualOrder(ctx context.Context, principal string, order *domain.Order, elevated bool) (string, error)
	ManualClosePosition(ctx context.Context, principal, symbol string) (string, error)
}

// OrderReader provides read-only order views.
type OrderReader interface {
	GetOrder(orderID string) (*domain.Order, error)
	LiveOrders() []*domain.Order
}

// PositionReader provides read-only position and risk views.
type PositionReader interface {
	Positions() []*domain.Position
	GetPosition(symbol string) *domain.Position
	RiskSnapshot() *domain.RiskState
}

// StrategyReader lists registered strategies.
type StrategyReader interface {
	Strategies() []domain.StrategyRegistration
}

// AuditReader serves the correlation-ID audit lookup.
type AuditReader interface {
	FindByCorrelationID(ctx context.Context, correlationID string) ([]*ports.AuditRecord, error)
}

// Server is the gin admin surface. Every mutating route goes through the
// override controller; the API holds no trading logic of its own.
type Server struct {
	logger     ports.Logger
	overrides  Overrides
	orders     OrderReader
	positions  PositionReader
	strategies StrategyReader
	audit      AuditReader

	engine *gin.Engine
	srv    *http.Server
}

// NewServer builds the router. audit may be nil when persistence is disabled.
func NewServer(log ports.Logger, overrides Overrides, orders OrderReader, positions PositionReader, strategies StrategyReader, audit AuditReader) (*Server, error) {
	if log == nil || overrides == nil || orders == nil || positions == nil || strategies == nil {
		return nil, errors.New("missing required dependencies for API server")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		logger:     log,
		overrides:  overrides,
		orders:     orders,
		positions:  positions,
		strategies: strategies,
		audit:      audit,
		engine:     engine,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/emergency-stop", s.emergencyStop)
		v1.POST("/emergency-stop/clear", s.clearEmergencyStop)
		v1.POST("/strategies/:id/pause", s.pauseStrategy)
		v1.POST("/strategies/:id/resume", s.resumeStrategy)
		v1.GET("/strategies", s.listStrategies)

		v1.POST("/orders", s.manualOrder)
		v1.GET("/orders", s.liveOrders)
		v1.GET("/orders/:id", s.getOrder)

		v1.GET("/positions", s.listPositions)
		v1.POST("/positions/:symbol/close", s.closePosition)
		v1.GET("/risk", s.riskState)

		v1.GET("/audit/:correlationID", s.auditTrail)
	}
}

// Start serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.logger.Info(context.Background(), "Admin API listening", map[string]interface{}{"addr": addr})
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// --- Handlers ---

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"stopped": s.overrides.IsStopped(),
	})
}

type overrideRequest struct {
	Principal string `json:"principal" binding:"required"`
	Reason    string `json:"reason"`
}

func (s *Server) emergencyStop(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.overrides.EmergencyStop(c.Request.Context(), req.Principal, req.Reason); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) clearEmergencyStop(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.overrides.ClearEmergencyStop(c.Request.Context(), req.Principal); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) pauseStrategy(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.overrides.PauseStrategy(c.Request.Context(), req.Principal, c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) resumeStrategy(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.overrides.ResumeStrategy(c.Request.Context(), req.Principal, c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (s *Server) listStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, s.strategies.Strategies())
}

type manualOrderRequest struct {
	Principal  string  `json:"principal" binding:"required"`
	Symbol     string  `json:"symbol" binding:"required"`
	Side       string  `json:"side" binding:"required"`
	Type       string  `json:"type"`
	Quantity   float64 `json:"quantity" binding:"required"`
	LimitPrice float64 `json:"limitPrice"`
	StopPrice  float64 `json:"stopPrice"`
	Elevated   bool    `json:"elevated"`
}

func (s *Server) manualOrder(c *gin.Context) {
	var req manualOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orderType := domain.OrderType(req.Type)
	if req.Type == "" {
		orderType = domain.Market
	}
	order := domain.NewOrder("", req.Symbol, domain.OrderSide(req.Side), orderType, req.Quantity)
	order.LimitPrice = req.LimitPrice
	order.StopPrice = req.StopPrice

	orderID, err := s.overrides.ManualOrder(c.Request.Context(), req.Principal, order, req.Elevated)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"orderID": orderID})
}

func (s *Server) liveOrders(c *gin.Context) {
	c.JSON(http.StatusOK, s.orders.LiveOrders())
}

func (s *Server) getOrder(c *gin.Context) {
	order, err := s.orders.GetOrder(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) listPositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.positions.Positions())
}

func (s *Server) closePosition(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	orderID, err := s.overrides.ManualClosePosition(c.Request.Context(), req.Principal, c.Param("symbol"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"orderID": orderID})
}

func (s *Server) riskState(c *gin.Context) {
	c.JSON(http.StatusOK, s.positions.RiskSnapshot())
}

func (s *Server) auditTrail(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit persistence disabled"})
		return
	}
	records, err := s.audit.FindByCorrelationID(c.Request.Context(), c.Param("correlationID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

// writeError maps sentinel errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ports.ErrNotFound), errors.Is(err, ports.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ports.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusBadRequest
	case errors.Is(err, ports.ErrEmergencyStopActive),
		errors.Is(err, ports.ErrSymbolHalted),
		errors.Is(err, ports.ErrStrategyDisabled),
		errors.Is(err, ports.ErrStrategyRateLimited):
		status = http.StatusConflict
	case errors.Is(err, ports.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
