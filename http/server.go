package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/x402-bch/facilitator"
	"github.com/x402-bch/facilitator/logger"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// DefaultRequestTimeout bounds a verify or settle call when none is configured.
const DefaultRequestTimeout = 30 * time.Second

const (
	errMissingFields = "Missing paymentPayload or paymentRequirements"
	errInternal      = "Internal server error"
)

// paymentRequestSchema is the structural shape shared by verify and settle bodies.
var paymentRequestSchema = mustSchema(`{
	"type": "object",
	"required": ["paymentPayload", "paymentRequirements"],
	"properties": {
		"x402Version": {"type": "integer"},
		"paymentPayload": {"type": "object"},
		"paymentRequirements": {"type": "object"}
	}
}`)

func mustSchema(schema string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("invalid request schema: %v", err))
	}
	return s
}

// ServerConfig configures the facilitator REST server.
type ServerConfig struct {
	// Facilitator answers verify, settle and supported requests (required)
	Facilitator x402.FacilitatorClient

	// Network is reported by /health
	Network x402.Network

	// Version is reported by /health
	Version string

	// RequestTimeout bounds each verify and settle call (optional, defaults to 30s)
	RequestTimeout time.Duration

	// Metrics is served at GET /metrics when set
	Metrics http.Handler

	Logger logger.Logger
}

type server struct {
	facilitator x402.FacilitatorClient
	network     x402.Network
	version     string
	timeout     time.Duration
	log         logger.Logger
}

// NewServer builds the gin engine exposing the facilitator API:
//
//	GET  /facilitator/supported
//	POST /facilitator/verify
//	POST /facilitator/settle
//	GET  /health
//	GET  /metrics (when cfg.Metrics is set)
func NewServer(cfg ServerConfig) *gin.Engine {
	s := &server{
		facilitator: cfg.Facilitator,
		network:     cfg.Network,
		version:     cfg.Version,
		timeout:     cfg.RequestTimeout,
		log:         logger.OrNoop(cfg.Logger),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultRequestTimeout
	}

	router := gin.New()
	router.Use(requestID(), requestLogger(s.log), gin.CustomRecovery(s.recover))

	group := router.Group("/facilitator")
	group.GET("/supported", s.supported)
	group.POST("/verify", s.verify)
	group.POST("/settle", s.settle)

	router.GET("/health", s.health)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	return router
}

func (s *server) supported(c *gin.Context) {
	resp, err := s.facilitator.GetSupported(c.Request.Context())
	if err != nil {
		s.internalError(c, "supported", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) verify(c *gin.Context) {
	req, ok := s.bindPaymentRequest(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	resp, err := s.facilitator.Verify(ctx, *req.PaymentPayload, *req.PaymentRequirements)
	if err != nil {
		s.internalError(c, "verify", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) settle(c *gin.Context) {
	req, ok := s.bindPaymentRequest(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	resp, err := s.facilitator.Settle(ctx, *req.PaymentPayload, *req.PaymentRequirements)
	if err != nil {
		s.internalError(c, "settle", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"network": s.network,
		"version": s.version,
	})
}

// bindPaymentRequest validates the body shape and decodes it, writing a 400
// response on failure. Numbers are kept as json.Number so authorization
// fields reach the signature check exactly as the client sent them.
func (s *server) bindPaymentRequest(c *gin.Context) (*x402.VerifyRequest, bool) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Failed to read request body: %v", err)})
		return nil, false
	}

	result, err := paymentRequestSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request body: %v", err)})
		return nil, false
	}
	if !result.Valid() {
		s.log.Debug("request failed schema validation", map[string]any{
			"requestId": c.GetString(RequestIDHeader),
			"errors":    schemaErrors(result),
		})
		c.JSON(http.StatusBadRequest, gin.H{"error": errMissingFields})
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var req x402.VerifyRequest
	if err := dec.Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return nil, false
	}
	if req.PaymentPayload == nil || req.PaymentRequirements == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMissingFields})
		return nil, false
	}
	return &req, true
}

func schemaErrors(result *gojsonschema.Result) []string {
	var out []string
	for _, desc := range result.Errors() {
		out = append(out, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return out
}

func (s *server) internalError(c *gin.Context, op string, err error) {
	s.log.Error("facilitator request failed", map[string]any{
		"op":        op,
		"requestId": c.GetString(RequestIDHeader),
		"error":     err,
	})
	msg := err.Error()
	if msg == "" {
		msg = errInternal
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func (s *server) recover(c *gin.Context, recovered any) {
	s.log.Error("handler panicked", map[string]any{
		"requestId": c.GetString(RequestIDHeader),
		"panic":     fmt.Sprint(recovered),
	})
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errInternal})
}

// requestID tags each request with the caller's X-Request-ID or a new UUID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDHeader, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// requestLogger writes one line per request.
func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]any{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"latencyMs": time.Since(start).Milliseconds(),
			"requestId": c.GetString(RequestIDHeader),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("request", fields)
			return
		}
		log.Info("request", fields)
	}
}
