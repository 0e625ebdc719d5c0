// Package server exposes speculative generation over HTTP. Responses
// stream as newline-delimited JSON, one object per committed batch of
// tokens, ending with a final object carrying the run statistics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/claspdev/clasp/api"
	"github.com/claspdev/clasp/decode"
	"github.com/claspdev/clasp/envconfig"
	"github.com/claspdev/clasp/model"
	"github.com/claspdev/clasp/version"
)

type Server struct {
	Model     model.Model
	Tokenizer model.Tokenizer
	Defaults  api.Options
	Strict    bool

	// sem bounds the number of concurrent generation sessions.
	sem *semaphore.Weighted
}

func New(m model.Model, tok model.Tokenizer, parallel int) *Server {
	if parallel <= 0 {
		parallel = 1
	}
	return &Server{
		Model:     m,
		Tokenizer: tok,
		Defaults:  api.DefaultOptions(),
		Strict:    envconfig.Strict,
		sem:       semaphore.NewWeighted(int64(parallel)),
	}
}

func (s *Server) GenerateHandler(c *gin.Context) {
	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if strings.TrimSpace(req.Prompt) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	opts := s.Defaults
	if err := opts.FromMap(req.Options); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	prompt := s.Tokenizer.Encode(req.Prompt)
	if len(prompt) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "prompt produced no tokens"})
		return
	}
	if len(prompt) >= s.Model.ContextLength() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("prompt length %d exceeds context length %d", len(prompt), s.Model.ContextLength()),
		})
		return
	}

	if err := s.sem.Acquire(c.Request.Context(), 1); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("aborting generate request due to client closing the connection")
		} else {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	defer s.sem.Release(1)

	id := uuid.New().String()
	slog.Debug("generate request", "id", id, "prompt_tokens", len(prompt))

	sess := decode.New(s.Model, s.Tokenizer, opts)
	sess.Strict = s.Strict

	ch := make(chan any)
	go func() {
		defer close(ch)

		// sends race against the client disconnecting, which stops the
		// reader; the request context unblocks them
		send := func(v any) {
			select {
			case ch <- v:
			case <-c.Request.Context().Done():
			}
		}

		sess.OnCommit = func(tokens []int32) {
			send(api.GenerateResponse{
				ID:       id,
				Response: s.Tokenizer.Decode(tokens),
			})
		}

		res, err := sess.Generate(c.Request.Context(), prompt)
		if err != nil {
			send(gin.H{"error": err.Error()})
			return
		}

		send(api.GenerateResponse{
			ID:              id,
			Done:            true,
			TotalSteps:      res.Steps,
			GeneratedTokens: res.Generated,
			AcceptedPerStep: res.MeanAccepted(),
			TotalDuration:   res.Timings.Total,
		})
	}()

	if req.Stream != nil && !*req.Stream {
		waitForCompletion(c, ch)
		return
	}

	streamResponse(c, ch)
}

func streamResponse(c *gin.Context, ch chan any) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Stream(func(w io.Writer) bool {
		val, ok := <-ch
		if !ok {
			return false
		}

		bts, err := json.Marshal(val)
		if err != nil {
			slog.Error("streaming error", "error", err)
			return false
		}

		bts = append(bts, '\n')
		if _, err := w.Write(bts); err != nil {
			slog.Error("streaming error", "error", err)
			return false
		}
		return true
	})
}

// waitForCompletion drains the channel and replies with one final
// object whose Response is the concatenated stream.
func waitForCompletion(c *gin.Context, ch chan any) {
	var sb strings.Builder
	for val := range ch {
		switch v := val.(type) {
		case api.GenerateResponse:
			if v.Done {
				if sb.Len() > 0 && v.Response != "" {
					sb.WriteByte(' ')
				}
				sb.WriteString(v.Response)
				v.Response = sb.String()
				c.JSON(http.StatusOK, v)
				return
			}
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(v.Response)
		case gin.H:
			c.JSON(http.StatusInternalServerError, v)
			return
		}
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "generation ended without a final response"})
}

func (s *Server) GenerateRoutes() http.Handler {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowOrigins = []string{"http://localhost", "https://localhost", "http://localhost:*", "https://localhost:*",
		"http://127.0.0.1", "https://127.0.0.1", "http://127.0.0.1:*", "https://127.0.0.1:*"}

	r := gin.Default()
	r.Use(cors.New(config))

	r.POST("/api/generate", s.GenerateHandler)
	r.GET("/api/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version.Version})
	})

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		r.Handle(method, "/", func(c *gin.Context) {
			c.String(http.StatusOK, "clasp is running")
		})
		r.Handle(method, "/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}

	return r
}

func Serve(ln net.Listener, s *Server) error {
	slog.Info(fmt.Sprintf("Listening on %s", ln.Addr()))

	srvr := &http.Server{
		Handler:     s.GenerateRoutes(),
		ReadTimeout: 30 * time.Second,
	}
	return srvr.Serve(ln)
}
