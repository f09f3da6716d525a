// Package server exposes a logits buffer read-only over HTTP
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zeu5/rollout-buffer/buffer"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

const DefaultBatchSize = 16

type Server struct {
	Addr   string
	ctx    context.Context
	server *http.Server
	logger *zap.Logger

	// reads flush the buffer, so every handler takes the lock
	lock   *sync.Mutex
	buffer *buffer.LogitsBuffer
}

func NewServer(ctx context.Context, addr string, buf *buffer.LogitsBuffer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		Addr:   addr,
		ctx:    ctx,
		logger: logger.With(zap.String("component", "server")),
		lock:   new(sync.Mutex),
		buffer: buf,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", healthHandler)
	r.GET("/stats", s.handleStats)
	r.GET("/batches/:index", s.handleBatch)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.server = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	s.lock.Lock()
	pending := s.buffer.Pending()
	rows := s.buffer.Len()
	topK := s.buffer.TopK()
	s.lock.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"rows":    rows,
		"top_k":   topK,
		"pending": pending,
	})
}

func (s *Server) handleBatch(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch index"})
		return
	}
	batchSize := DefaultBatchSize
	if raw := c.Query("batch_size"); raw != "" {
		batchSize, err = strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch size"})
			return
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	batches, err := s.buffer.GetText(batchSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if index >= batches.Len() {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch index out of range", "batches": batches.Len()})
		return
	}
	batches.Skip(index)
	batches.Next()
	sample := batches.Batch()
	c.JSON(http.StatusOK, gin.H{
		"index":               index,
		"batches":             batches.Len(),
		"instructions":        sample.Instructions,
		"outputs":             sample.Outputs,
		"output_tokens_logps": rows(sample.OutputTokensLogps),
	})
}

func rows(d *mat.Dense) [][]float64 {
	r, _ := d.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(nil, i, d)
	}
	return out
}

// Run serves until the context of the server is cancelled
func (s *Server) Run() error {
	go func() {
		<-s.ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
	}()

	s.logger.Info("serving buffer", zap.String("addr", s.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
