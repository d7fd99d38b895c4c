package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/opengrants/aggregator/internal/config"
	"github.com/opengrants/aggregator/internal/db"
	"github.com/opengrants/aggregator/internal/models"
	"github.com/opengrants/aggregator/internal/pipeline"
	"github.com/opengrants/aggregator/internal/scheduler"
	"go.uber.org/zap"
)

type Server struct {
	Echo      *echo.Echo
	Store     *db.Store
	Manager   *pipeline.Manager
	Scheduler *scheduler.Scheduler

	adminSecret string
	log         *zap.Logger
}

func NewServer(cfg *config.Config, store *db.Store, manager *pipeline.Manager, sched *scheduler.Scheduler, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	allowedOrigins := []string{"http://localhost:4200"}
	if cfg.CORSOrigins != "" {
		for _, o := range strings.Split(cfg.CORSOrigins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret"},
	}))

	s := &Server{
		Echo:        e,
		Store:       store,
		Manager:     manager,
		Scheduler:   sched,
		adminSecret: cfg.AdminSecret,
		log:         log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)

	api := s.Echo.Group("/api/v1")
	api.GET("/grants", s.handleListGrants)
	api.GET("/grants/:source/:external_id", s.handleGetGrant)
	api.GET("/sources", s.handleListSources)
	api.GET("/sources/:id/grants", s.handleSourceGrants)
	api.GET("/search", s.handleSearch)
	api.POST("/discover", s.handleDiscover)
	api.GET("/runs", s.handleListRuns)
	api.GET("/runs/latest", s.handleLatestRun)
	api.GET("/runs/:id", s.handleGetRun)
	api.GET("/health/sources", s.handleSourceHealth)

	admin := api.Group("")
	admin.Use(s.adminMiddleware)
	admin.POST("/runs", s.handleTriggerRun)
	admin.POST("/admin/breakers/:source/reset", s.handleResetBreaker)
	admin.POST("/admin/cache/invalidate", s.handleInvalidateCache)
}

func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.adminSecret == "" {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Server admin configuration error"})
		}

		authHeader := c.Request().Header.Get("Authorization")
		adminHeader := c.Request().Header.Get("X-Admin-Secret")

		if adminHeader == s.adminSecret {
			return next(c)
		}
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
			if authHeader[7:] == s.adminSecret {
				return next(c)
			}
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized admin access"})
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleListGrants(c echo.Context) error {
	params := db.ListParams{
		Query:     c.QueryParam("q"),
		Source:    c.QueryParam("source"),
		Category:  c.QueryParam("category"),
		Geography: c.QueryParam("geography"),
	}

	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= 200 {
		params.Limit = l
	}
	if o, err := strconv.Atoi(c.QueryParam("offset")); err == nil && o >= 0 {
		params.Offset = o
	}
	if v, err := strconv.ParseFloat(c.QueryParam("min_amount"), 64); err == nil && v > 0 {
		params.MinAmount = v
	}
	if v, err := strconv.ParseFloat(c.QueryParam("max_amount"), 64); err == nil && v > 0 {
		params.MaxAmount = v
	}
	if v := c.QueryParam("deadline_from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "deadline_from must be YYYY-MM-DD"})
		}
		params.DeadlineFrom = &t
	}
	if v := c.QueryParam("deadline_to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "deadline_to must be YYYY-MM-DD"})
		}
		params.DeadlineTo = &t
	}
	params.ActiveOnly = c.QueryParam("active") == "true" || c.QueryParam("status") == "active"

	result, err := s.Store.ListGrants(c.Request().Context(), params)
	if err != nil {
		s.log.Error("listing grants", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to list grants"})
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetGrant(c echo.Context) error {
	grant, err := s.Store.GetGrantByNaturalKey(c.Request().Context(), c.Param("source"), c.Param("external_id"))
	if err != nil {
		if errors.Is(err, db.ErrGrantNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Grant not found"})
		}
		s.log.Error("fetching grant", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch grant"})
	}
	return c.JSON(http.StatusOK, grant)
}

// sourceSummary is the public view of a source config, credentials elided.
type sourceSummary struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Enabled   bool     `json:"enabled"`
	Endpoint  string   `json:"endpoint"`
	Keywords  []string `json:"keywords,omitempty"`
	Funder    string   `json:"funder,omitempty"`
	Geography string   `json:"geography,omitempty"`
	Category  string   `json:"category,omitempty"`
}

func (s *Server) handleListSources(c echo.Context) error {
	reg := s.Manager.Registry()
	out := make([]sourceSummary, 0, len(reg.Sources))
	for _, src := range reg.Sources {
		out = append(out, sourceSummary{
			ID:        src.ID,
			Name:      src.Name,
			Type:      src.Type,
			Enabled:   src.Enabled,
			Endpoint:  src.Endpoint,
			Keywords:  src.Keywords,
			Funder:    src.Funder,
			Geography: src.Geography,
			Category:  src.Category,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sources": out})
}

func (s *Server) handleSourceGrants(c echo.Context) error {
	id := c.Param("id")
	if _, ok := s.Manager.Registry().Get(id); !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Unknown source"})
	}

	params := db.ListParams{Source: id}
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= 200 {
		params.Limit = l
	}
	if o, err := strconv.Atoi(c.QueryParam("offset")); err == nil && o >= 0 {
		params.Offset = o
	}

	result, err := s.Store.ListGrants(c.Request().Context(), params)
	if err != nil {
		s.log.Error("listing source grants", zap.String("source", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to list grants"})
	}
	return c.JSON(http.StatusOK, result)
}

// handleSearch queries the live sources rather than the stored grants, so
// the response reports how the fan-out went alongside the merged results.
func (s *Server) handleSearch(c echo.Context) error {
	query := c.QueryParam("q")
	maxItems := 0
	if l, err := strconv.Atoi(c.QueryParam("max_items")); err == nil && l > 0 {
		maxItems = l
	}

	result, err := s.Manager.SearchOpportunities(c.Request().Context(), query, maxItems)
	if err != nil {
		s.log.Error("live search failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Search failed"})
	}
	return c.JSON(http.StatusOK, result)
}

type discoverRequest struct {
	Keywords  []string `json:"keywords"`
	Geography string   `json:"geography"`
	MaxItems  int      `json:"max_items"`
}

func (s *Server) handleDiscover(c echo.Context) error {
	var req discoverRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if len(req.Keywords) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "keywords are required"})
	}

	result, err := s.Manager.DiscoverGrants(c.Request().Context(), pipeline.DiscoveryProfile{
		Keywords:  req.Keywords,
		Geography: req.Geography,
		MaxItems:  req.MaxItems,
	}, nil)
	if err != nil {
		s.log.Error("discover failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Discovery failed"})
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleTriggerRun(c echo.Context) error {
	var req struct {
		Scope string `json:"scope"`
	}
	// An empty body means a full run.
	_ = c.Bind(&req)

	if req.Scope != "" && req.Scope != scheduler.ScopeAll {
		if _, ok := s.Manager.Registry().Get(req.Scope); !ok {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Unknown source"})
		}
	}

	runID, err := s.Scheduler.TriggerRun(c.Request().Context(), req.Scope)
	if err != nil {
		var active *scheduler.ErrRunActive
		if errors.As(err, &active) {
			return c.JSON(http.StatusConflict, map[string]string{
				"error":  "A run is already active",
				"run_id": active.RunID,
			})
		}
		s.log.Error("triggering run", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to start run"})
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": models.RunPending,
	})
}

func (s *Server) handleListRuns(c echo.Context) error {
	limit := 20
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}

	runs, err := s.Store.ListRuns(c.Request().Context(), limit)
	if err != nil {
		s.log.Error("listing runs", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to list runs"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleLatestRun(c echo.Context) error {
	run, err := s.Store.GetLatestRun(c.Request().Context())
	if err != nil {
		if errors.Is(err, db.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "No runs yet"})
		}
		s.log.Error("fetching latest run", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch run"})
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.Store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Run not found"})
		}
		s.log.Error("fetching run", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch run"})
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleSourceHealth(c echo.Context) error {
	health := s.Manager.SourceHealth()

	counts, err := s.Store.GrantCountsBySource(c.Request().Context())
	if err != nil {
		// Health should degrade, not fail, when the database is away.
		s.log.Warn("grant counts unavailable", zap.Error(err))
	} else {
		for i := range health {
			health[i].StoredGrants = counts[health[i].Source]
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"sources":     health,
		"active_runs": s.Scheduler.ActiveRuns(),
	})
}

func (s *Server) handleResetBreaker(c echo.Context) error {
	source := c.Param("source")
	if err := s.Manager.ResetBreaker(source); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Unknown source"})
	}
	s.log.Info("breaker reset", zap.String("source", source))
	return c.JSON(http.StatusOK, map[string]string{"source": source, "breaker_state": pipeline.StateClosed})
}

func (s *Server) handleInvalidateCache(c echo.Context) error {
	var req struct {
		Source string `json:"source"`
	}
	_ = c.Bind(&req)

	dropped, err := s.Manager.InvalidateCache(req.Source)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Unknown source"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"dropped": dropped})
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}
