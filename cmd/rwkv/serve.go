package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"github.com/samcharles93/rwkv/internal/logger"
	"github.com/samcharles93/rwkv/pkg/rwkv"
)

type generateRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

type generateResponse struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Output string `json:"output"`
	Tokens int    `json:"tokens"`
}

type infoResponse struct {
	Model      string `json:"model"`
	NVocab     int    `json:"n_vocab"`
	StateSize  int    `json:"state_size"`
	SystemInfo string `json:"system_info"`
}

// engineServer serializes access to one loaded context: a context is not
// safe for concurrent evaluation, so requests take turns.
type engineServer struct {
	mu     sync.Mutex
	engine *rwkv.Context
	model  string
	log    logger.Logger
}

func serveCmd() *cli.Command {
	var (
		addr string
		rps  float64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve single-sequence generation over HTTP",
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.Float64Flag{
				Name:        "rps",
				Usage:       "request rate limit per second",
				Value:       5,
				Destination: &rps,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyConfig(cmd, LoadConfig())
			log := newLogger()

			if modelPath == "" {
				return cli.Exit("error: --model is required", 1)
			}

			engine, err := rwkv.InitFromFile(modelPath, int(nThreads))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer engine.Free()

			s := &engineServer{engine: engine, model: modelPath, log: log}

			e := echo.New()
			e.Use(middleware.Recover())
			e.Use(rateLimit(rate.Limit(rps)))
			e.GET("/healthz", s.handleHealth)
			e.GET("/v1/info", s.handleInfo)
			e.POST("/v1/generate", s.handleGenerate)

			log.Info("starting server", "address", addr, "model", modelPath)
			sc := echo.StartConfig{Address: addr}
			return sc.Start(ctx, e)
		},
	}
}

// rateLimit rejects requests beyond the configured sustained rate.
func rateLimit(limit rate.Limit) echo.MiddlewareFunc {
	limiter := rate.NewLimiter(limit, int(limit)+1)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !limiter.Allow() {
				return writeJSON(c, http.StatusTooManyRequests, map[string]string{
					"error": "rate limit exceeded",
				})
			}
			return next(c)
		}
	}
}

func (s *engineServer) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *engineServer) handleInfo(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, infoResponse{
		Model:      s.model,
		NVocab:     s.engine.LogitsElementCount(),
		StateSize:  s.engine.StateElementCount(),
		SystemInfo: rwkv.SystemInfoString(),
	})
}

func (s *engineServer) handleGenerate(c *echo.Context) error {
	var req generateRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return writeJSON(c, http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}
	if req.Prompt == "" {
		return writeJSON(c, http.StatusBadRequest, map[string]string{
			"error": "prompt is required",
		})
	}
	if req.MaxTokens <= 0 || req.MaxTokens > 4096 {
		req.MaxTokens = 128
	}

	id := "gen-" + uuid.NewString()
	start := time.Now()

	s.mu.Lock()
	output, err := s.generate(req.Prompt, req.MaxTokens)
	s.mu.Unlock()
	if err != nil {
		s.log.Error("generate failed", "id", id, "err", err)
		return writeJSON(c, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}

	s.log.Info("generate",
		"id", id,
		"prompt_bytes", len(req.Prompt),
		"tokens", req.MaxTokens,
		"took", time.Since(start).Round(time.Millisecond),
	)
	return writeJSON(c, http.StatusOK, generateResponse{
		ID:     id,
		Model:  s.model,
		Output: output,
		Tokens: req.MaxTokens,
	})
}

// generate feeds the prompt byte-by-byte and extends it greedily.
func (s *engineServer) generate(prompt string, maxTokens int) (string, error) {
	state := make([]float32, s.engine.StateElementCount())
	logits := make([]float32, s.engine.LogitsElementCount())

	for i := 0; i < len(prompt); i++ {
		var prev []float32
		if i > 0 {
			prev = state
		}
		if err := s.engine.Eval(int(prompt[i]), prev, state, logits); err != nil {
			return "", err
		}
	}

	out := make([]byte, 0, maxTokens)
	for i := 0; i < maxTokens; i++ {
		token := argmax(logits)
		out = append(out, byte(token))
		if err := s.engine.Eval(token, state, state, logits); err != nil {
			return "", err
		}
	}
	return string(out), nil
}

// writeJSON encodes the body with the module's JSON codec rather than
// echo's default binder.
func writeJSON(c *echo.Context, status int, v any) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/json; charset=utf-8")
	res.WriteHeader(status)
	return json.NewEncoder(res).Encode(v)
}
