package server

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/tileserved/tileserved/internal/stats"
	"github.com/tileserved/tileserved/internal/tile"
)

var yfileRe = regexp.MustCompile(`^(\d+)(?:\.(\d+))?\.png$`)

// parseTileKey reconstructs a tile.Key from the URL's style/z/x/yfile
// components, independent of however the style is laid out on disk.
func parseTileKey(c echo.Context) (tile.Key, error) {
	style := c.Param("style")
	z, err := strconv.Atoi(c.Param("z"))
	if err != nil {
		return tile.Key{}, tile.ErrOutOfRange
	}
	x, err := strconv.Atoi(c.Param("x"))
	if err != nil {
		return tile.Key{}, tile.ErrOutOfRange
	}
	m := yfileRe.FindStringSubmatch(c.Param("yfile"))
	if m == nil {
		return tile.Key{}, tile.ErrOutOfRange
	}
	y, err := strconv.Atoi(m[1])
	if err != nil {
		return tile.Key{}, tile.ErrOutOfRange
	}
	layer := tile.NoLayer
	if m[2] != "" {
		layer, _ = strconv.Atoi(m[2])
	}
	k := tile.Key{Style: style, Z: z, X: x, Y: y, Layer: layer}
	if err := tile.Validate(style, x, y, z); err != nil {
		return tile.Key{}, err
	}
	return k, nil
}

// handleServe is tile_handler_serve: resolve, throttle, maybe render, and
// return the tile bytes with cache headers.
func (s *Server) handleServe(c echo.Context) error {
	k, err := parseTileKey(c)
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	res := s.engine.Serve(k, clientIP(c), c.Request().Host)
	if res.Status != http.StatusOK {
		return c.NoContent(res.Status)
	}

	h := c.Response().Header()
	h.Set(echo.HeaderCacheControl, "max-age="+strconv.Itoa(int(res.MaxAge.Seconds())))
	h.Set("ETag", res.ETag)
	if !res.Modified.IsZero() {
		h.Set(echo.HeaderLastModified, res.Modified.UTC().Format(http.TimeFormat))
	}

	if match := c.Request().Header.Get("If-None-Match"); match != "" && match == res.ETag {
		return c.NoContent(http.StatusNotModified)
	}
	return c.Blob(http.StatusOK, "image/png", res.Body)
}

// handleStatus is tile_handler_status: report whether a tile is current,
// stale or missing without serving its bytes.
func (s *Server) handleStatus(c echo.Context) error {
	k, err := parseTileKey(c)
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	state := s.engine.Status(k)
	return c.String(http.StatusOK, state.String()+"\n")
}

// handleDirty is tile_handler_dirty: queue an asynchronous rerender.
func (s *Server) handleDirty(c echo.Context) error {
	k, err := parseTileKey(c)
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	s.engine.Dirty(k)
	return c.NoContent(http.StatusOK)
}

// handleModTileStats is tile_handler_mod_stats, with an added JSON variant
// selected via Accept or ?format=json.
func (s *Server) handleModTileStats(c echo.Context) error {
	if !s.Config.EnableGlobalStats {
		return errorMessage(c, http.StatusForbidden, "Stats are not enabled for this server")
	}
	snap := s.stats.Snapshot()
	if c.QueryParam("format") == "json" || c.Request().Header.Get(echo.HeaderAccept) == echo.MIMEApplicationJSON {
		return stats.WriteJSON(c.Response(), snap)
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/plain; charset=UTF-8")
	c.Response().WriteHeader(http.StatusOK)
	return stats.WriteText(c.Response(), snap)
}

func (s *Server) handleStatsWS(c echo.Context) error {
	return s.sws.Handler(c.Response(), c.Request())
}
