package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/jackc/pgx/v4/stdlib" // registers the "pgx" sql driver used by db.go
	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/tileserved/tileserved/internal/serveengine"
	"github.com/tileserved/tileserved/internal/stats"
)

// Config is the HTTP-facing configuration: what gets mounted and how it
// behaves, as opposed to Engine's rendering/storage wiring.
type Config struct {
	Debug             bool
	BaseURI           string
	EnableGlobalStats bool
	EnableStatsWS     bool
}

// Server mounts the tile-serving routes, stats endpoints and an optional
// live stats websocket onto an echo instance.
type Server struct {
	Config Config
	echo   *echo.Echo
	log    *zap.SugaredLogger
	engine *serveengine.Engine
	stats  *stats.Counters
	sws    *StatsWS
}

// JSONSerializer replaces echo's default encoding/json with jsoniter,
// matching the performance-sensitive serialization used elsewhere in the
// request path.
type JSONSerializer struct{}

func (d JSONSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := jsoniter.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (d JSONSerializer) Deserialize(c echo.Context, i interface{}) error {
	err := jsoniter.NewDecoder(c.Request().Body).Decode(i)
	if ute, ok := err.(*json.UnmarshalTypeError); ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Unmarshal type error: expected=%v, got=%v, field=%v, offset=%v", ute.Type, ute.Value, ute.Field, ute.Offset)).SetInternal(err)
	} else if se, ok := err.(*json.SyntaxError); ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Syntax error: offset=%v, error=%v", se.Offset, se.Error())).SetInternal(err)
	}
	return err
}

func NewServer(log *zap.SugaredLogger, cfg Config, engine *serveengine.Engine, counters *stats.Counters) *Server {
	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = &JSONSerializer{}

	p := prometheus.NewPrometheus("tileserved", nil)
	p.Use(e)

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		code := http.StatusInternalServerError
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
		}
		if code == http.StatusInternalServerError {
			log.Error(err)
		}
	}

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover(), RequestIDMiddleware())

	s := &Server{
		Config: cfg,
		log:    log,
		echo:   e,
		engine: engine,
		stats:  counters,
	}
	if cfg.EnableStatsWS {
		s.sws = NewStatsWS(log, counters)
	}
	s.AddRoutes(e)
	return s
}

func (s *Server) ListenAndServe(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// RunStatsWS pushes periodic stats snapshots to /ws/stats subscribers until
// stop is closed. A no-op when EnableStatsWS was false at construction.
func (s *Server) RunStatsWS(interval time.Duration, stop <-chan struct{}) {
	if s.sws == nil {
		return
	}
	s.sws.Run(interval, stop)
}
