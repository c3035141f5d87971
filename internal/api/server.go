package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/samcharles93/lumen/internal/imageproc"
	"github.com/samcharles93/lumen/internal/inference"
	"github.com/samcharles93/lumen/internal/logger"
	"github.com/samcharles93/lumen/internal/tokenizer"
)

// RequestIDHeader carries the per-request id on every response.
const RequestIDHeader = "X-Request-Id"

// Config tunes a Server. A non-positive Rate disables request limiting.
// QueueWait is how long a generate request waits for the running one to
// finish before it is refused as busy. Logger, when set, replaces the
// logger carried by incoming request contexts.
type Config struct {
	Model     string
	Version   string
	Rate      float64
	Burst     int
	QueueWait time.Duration
	Logger    logger.Logger
}

// Server exposes a Pipeline over HTTP. Generations are serialized: the
// pipeline owns a single runner.
type Server struct {
	pipeline  *inference.Pipeline
	cfg       Config
	gen       *semaphore.Weighted
	limiter   *rate.Limiter
	queueWait time.Duration
}

func NewServer(p *inference.Pipeline, cfg Config) (*Server, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	s := &Server{
		pipeline:  p,
		cfg:       cfg,
		gen:       semaphore.NewWeighted(1),
		queueWait: cfg.QueueWait,
	}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(int(cfg.Rate), 1)
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return s, nil
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(s.requestContext)
	e.GET("/healthz", s.handleHealth)

	v1 := e.Group("/v1", s.rateLimit)
	v1.GET("/model", s.handleModel)
	v1.POST("/tokenize", s.handleTokenize)
	v1.POST("/tile", s.handleTile)
	v1.POST("/generate", s.handleGenerate)
}

// requestContext tags the request with an id and a request-scoped logger.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		req := c.Request()
		id := req.Header.Get(RequestIDHeader)
		if id == "" {
			id = newRequestID()
		}
		c.Response().Header().Set(RequestIDHeader, id)
		base := s.cfg.Logger
		if base == nil {
			base = logger.FromContext(req.Context())
		}
		log := base.With(logger.ComponentKey, "api", "request_id", id)
		c.SetRequest(req.WithContext(logger.WithContext(req.Context(), log)))
		return next(c)
	}
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded", "", "rate_limited")
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.cfg.Version})
}

func (s *Server) handleModel(c *echo.Context) error {
	tok := s.pipeline.Tokenizer()
	sp := tok.Specials()
	tiling := s.pipeline.Tiling()
	specials := SpecialTokens{
		BOS:         sp.BOS,
		EOS:         sp.EOS,
		UNK:         sp.UNK,
		PAD:         sp.PAD,
		Image:       sp.Image,
		GlobalImage: sp.GlobalImage,
	}
	resp := ModelResponse{
		Model:         s.cfg.Model,
		MaxSideLen:    tiling.MaxSideLen,
		PatchSize:     tiling.PatchSize,
		ResizeToMax:   tiling.ResizeToMax,
		TokensPerTile: tok.TokensPerTile(),
		NumLayers:     s.pipeline.Engine().Runner().NumLayers(),
		Specials:      specials,
	}
	if t, ok := tok.(interface{ Template() tokenizer.TemplateKind }); ok {
		resp.Template = t.Template().String()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTokenize(c *echo.Context) error {
	req, err := decodeJSON[TokenizeRequest](c.Request().Body)
	if err != nil {
		return writeFailure(c, err)
	}
	if req.Rows < 0 || req.Cols < 0 || (req.Rows == 0) != (req.Cols == 0) {
		return writeBadRequest(c, "rows and cols must both be positive or both omitted")
	}
	var grid *imageproc.TileGrid
	if req.Rows > 0 {
		grid = &imageproc.TileGrid{Rows: req.Rows, Cols: req.Cols}
	}
	tok := s.pipeline.Tokenizer()
	ids, err := tok.ApplyTemplate(req.Text, grid)
	if err != nil {
		return writeFailure(c, err)
	}
	markers := 0
	for _, id := range ids {
		if id == tok.Specials().Image {
			markers++
		}
	}
	return c.JSON(http.StatusOK, TokenizeResponse{IDs: ids, Count: len(ids), ImageMarkers: markers})
}

func (s *Server) handleTile(c *echo.Context) error {
	req := c.Request()
	if err := req.ParseMultipartForm(maxUploadBytes); err != nil {
		return writeBadRequest(c, fmt.Sprintf("multipart form: %v", err))
	}
	img, err := formImage(req, "image")
	if err != nil {
		return writeFailure(c, err)
	}
	if img == nil {
		return writeBadRequest(c, "image is required")
	}
	grid, err := s.pipeline.Tiling().Tile(img)
	if err != nil {
		return writeFailure(c, err)
	}
	resp := TileResponse{
		SourceWidth:  img.Width(),
		SourceHeight: img.Height(),
		Width:        grid.Width,
		Height:       grid.Height,
		Rows:         grid.Rows,
		Cols:         grid.Cols,
		ImageTokens:  len(grid.Tiles) * s.pipeline.Tokenizer().TokensPerTile(),
		Tiles:        make([]TileInfo, 0, len(grid.Tiles)),
	}
	for _, t := range grid.Tiles {
		resp.Tiles = append(resp.Tiles, TileInfo{Role: t.Role.String(), Row: t.Row, Col: t.Col, Size: t.Size})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := parseGenerate(c.Request())
	if err != nil {
		return writeFailure(c, err)
	}
	ctx := c.Request().Context()
	log := logger.FromContext(ctx)

	release, err := s.acquire(ctx)
	if err != nil {
		return writeFailure(c, err)
	}
	defer release()

	if !queryBool(c, "stream") {
		res, err := s.pipeline.Generate(ctx, req, nil)
		if err != nil {
			return writeFailure(c, err)
		}
		return c.JSON(http.StatusOK, generateResponse(res))
	}

	w, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	res, err := s.pipeline.Generate(ctx, req, w.Delta)
	if err != nil {
		if !w.Started() {
			return writeFailure(c, err)
		}
		id := ""
		if res != nil {
			id = res.ID
		}
		return w.Failed(id, err)
	}
	if werr := w.Err(); werr != nil {
		log.Warn("stream interrupted", "error", werr)
		return nil
	}
	return w.Done(res)
}

// acquire takes the generation slot, waiting at most queueWait.
func (s *Server) acquire(ctx context.Context) (func(), error) {
	if s.queueWait <= 0 {
		if !s.gen.TryAcquire(1) {
			return nil, ErrBusy
		}
		return func() { s.gen.Release(1) }, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.queueWait)
	defer cancel()
	if err := s.gen.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrBusy
	}
	return func() { s.gen.Release(1) }, nil
}

func parseGenerate(r *http.Request) (inference.Request, error) {
	if isMultipart(r) {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return inference.Request{}, newInvalidRequest(fmt.Sprintf("multipart form: %v", err))
		}
		img, err := formImage(r, "image")
		if err != nil {
			return inference.Request{}, err
		}
		maxNew, err := parseOptionalInt("max_new_tokens", r.FormValue("max_new_tokens"))
		if err != nil {
			return inference.Request{}, err
		}
		return inference.Request{Prompt: r.FormValue("prompt"), Image: img, MaxNewTokens: maxNew}, nil
	}

	body, err := decodeJSON[GenerateRequest](r.Body)
	if err != nil {
		return inference.Request{}, err
	}
	if body.MaxNewTokens < 0 {
		return inference.Request{}, newInvalidRequest("max_new_tokens must not be negative")
	}
	img, err := base64Image(body.ImageBase64)
	if err != nil {
		return inference.Request{}, err
	}
	return inference.Request{Prompt: body.Prompt, Image: img, MaxNewTokens: body.MaxNewTokens}, nil
}
