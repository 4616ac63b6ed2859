package relay

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/metrics"
)

// maxPublishBatch bounds one PublishBundles request.
const maxPublishBatch = 500

// Server exposes a Hub over HTTP.
type Server struct {
	hub *Hub
	log *zap.Logger
}

// NewServer returns a Server backed by hub. log may be nil.
func NewServer(hub *Hub, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{hub: hub, log: log}
}

// Handler builds the gin engine. m may be nil.
func (s *Server) Handler(m *metrics.HTTP) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), Logging(s.log))
	if m != nil {
		r.Use(m.Middleware())
		s.hub.OnQueue = m.AddQueued
	}

	r.POST(pathBundles, s.publishBundles)
	r.GET(pathBundle, s.fetchBundle)
	r.POST(pathMessages, s.send)
	r.GET(pathMessages, s.fetch)
	r.POST(pathMessageAck, s.ack)
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

// Logging logs request metadata only; bodies are never logged.
func Logging(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", c.ClientIP()),
		)
	}
}

func (s *Server) publishBundles(c *gin.Context) {
	var bundles []domain.PreKeyBundle
	if err := c.ShouldBindJSON(&bundles); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(bundles) == 0 || len(bundles) > maxPublishBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bundle count out of range"})
		return
	}
	if err := s.hub.PublishBundles(c.Request.Context(), bundles); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) fetchBundle(c *gin.Context) {
	b, err := s.hub.FetchBundle(c.Request.Context(), domain.PeerID(c.Param("peer")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) send(c *gin.Context) {
	var env domain.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env.To = domain.PeerID(c.Param("peer"))
	if err := s.hub.Send(c.Request.Context(), env); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) fetch(c *gin.Context) {
	limit := 0
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	envs, err := s.hub.Fetch(c.Request.Context(), domain.PeerID(c.Param("peer")), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if envs == nil {
		envs = []domain.Envelope{}
	}
	c.JSON(http.StatusOK, envs)
}

func (s *Server) ack(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Count < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ack"})
		return
	}
	if err := s.hub.Ack(c.Request.Context(), domain.PeerID(c.Param("peer")), req.Count); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, errs.ErrInvalidBundle):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		s.log.Error("relay request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
