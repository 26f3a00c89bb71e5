package server

import (
	"github.com/labstack/echo/v4"
)

// AddRoutes mounts the tile serving surface: /<baseuri>/<style>/<z>/<x>/<yfile>
// where yfile is "<y>[.<layer>].png", optionally suffixed with /status or
// /dirty for the status and invalidation sub-handlers.
func (s *Server) AddRoutes(e *echo.Echo) {
	base := s.Config.BaseURI
	if base == "" {
		base = "/tiles"
	}

	e.GET(base+"/:style/:z/:x/:yfile", s.handleServe)
	e.GET(base+"/:style/:z/:x/:yfile/status", s.handleStatus)
	e.POST(base+"/:style/:z/:x/:yfile/dirty", s.handleDirty)

	if s.Config.EnableGlobalStats {
		e.GET("/mod_tile", s.handleModTileStats)
	}
	if s.sws != nil {
		e.GET("/ws/stats", s.handleStatsWS)
	}
}
