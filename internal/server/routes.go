package server

import (
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/allbin/picobridge/internal/adapter"
	"github.com/allbin/picobridge/internal/firmware"
	"github.com/allbin/picobridge/internal/log"
	"github.com/allbin/picobridge/internal/project"
	"github.com/allbin/picobridge/internal/relay"
	"github.com/allbin/picobridge/internal/resilience"
)

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")

	api.GET("/health", s.getHealth)

	api.GET("/files", s.getFiles)
	api.GET("/files/content", s.getFileContent)

	api.POST("/projects/activate", s.activateProject)
	api.GET("/projects/active", s.getActiveProject)

	api.POST("/serial/reinitialize", s.reinitialize)

	if s.firmware != nil {
		api.GET("/firmware/latest", s.getLatestFirmware)
	}

	s.router.GET("/ws", s.serveRelay)

	s.router.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, CodeNotFound, "no route for "+c.Request.Method+" "+c.Request.URL.Path)
	})
}

// serveRelay hands the raw writer to the hub. gin's writer flushes headers
// before hijacking, which makes the upgrade fail.
func (s *Server) serveRelay(c *gin.Context) {
	log.MarkHijacked(c)
	var w http.ResponseWriter = c.Writer
	if u, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = u.Unwrap()
	}
	s.hub.ServeHTTP(w, c.Request)
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.Health())
}

func (s *Server) getFiles(c *gin.Context) {
	depth := s.cfg.Workspace.ScanDepth
	if v := c.Query("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, CodeBadRequest, "depth must be a positive integer")
			return
		}
		depth = n
	}

	entries, err := project.Scan(s.cfg.Workspace.Root, depth)
	if err != nil {
		log.Error().Err(err).Str("root", s.cfg.Workspace.Root).Msg("workspace scan failed")
		respondError(c, http.StatusInternalServerError, CodeInternal, "failed to scan workspace")
		return
	}
	respondData(c, http.StatusOK, entries)
}

func (s *Server) getFileContent(c *gin.Context) {
	rel := c.Query("path")
	if rel == "" {
		respondError(c, http.StatusBadRequest, CodeBadRequest, "path is required")
		return
	}

	f, err := project.ReadFile(s.cfg.Workspace.Root, rel)
	switch {
	case err == nil:
		respondData(c, http.StatusOK, f)
	case errors.Is(err, project.ErrInvalidPath), errors.Is(err, project.ErrIsDirectory):
		respondError(c, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.Is(err, fs.ErrNotExist):
		respondError(c, http.StatusNotFound, CodeNotFound, "file not found")
	case errors.Is(err, project.ErrFileTooLarge):
		respondError(c, http.StatusRequestEntityTooLarge, CodeBadRequest, err.Error())
	default:
		log.Error().Err(err).Str("path", rel).Msg("read file failed")
		respondError(c, http.StatusInternalServerError, CodeInternal, "failed to read file")
	}
}

type activateRequest struct {
	Path string `json:"path" binding:"required"`
}

type activeProject struct {
	Path string `json:"path"`
}

func (s *Server) activateProject(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeBadRequest, "path is required")
		return
	}

	err := project.Activate(s.cfg.Workspace.Root, req.Path)
	switch {
	case err == nil:
	case errors.Is(err, project.ErrInvalidPath), errors.Is(err, project.ErrNotDirectory):
		respondError(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	case errors.Is(err, fs.ErrNotExist):
		respondError(c, http.StatusNotFound, CodeNotFound, "project directory not found")
		return
	default:
		log.Error().Err(err).Str("path", req.Path).Msg("activate project failed")
		respondError(c, http.StatusInternalServerError, CodeInternal, "failed to activate project")
		return
	}

	active, err := project.FindActive(s.cfg.Workspace.Root)
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, "failed to read active project")
		return
	}
	s.hub.Broadcast(relay.EventStatus, relay.Status{Level: "info", Message: "active project: " + active})
	respondData(c, http.StatusOK, activeProject{Path: active})
}

func (s *Server) getActiveProject(c *gin.Context) {
	active, err := project.FindActive(s.cfg.Workspace.Root)
	if errors.Is(err, project.ErrNoActiveProject) {
		respondError(c, http.StatusNotFound, CodeNotFound, "no active project")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, "failed to read active project")
		return
	}
	respondData(c, http.StatusOK, activeProject{Path: active})
}

func (s *Server) reinitialize(c *gin.Context) {
	err := s.adapter.Reinitialize(c.Request.Context())
	switch {
	case err == nil:
	case errors.Is(err, adapter.ErrBusy):
		respondError(c, http.StatusConflict, CodeConflict, err.Error())
		return
	case errors.Is(err, adapter.ErrShutdown):
		respondError(c, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
		return
	default:
		// a failed attempt keeps retrying in the background
		log.Warn().Err(err).Msg("reinitialize did not open the port")
	}
	respondData(c, http.StatusOK, s.adapter.Status())
}

func (s *Server) getLatestFirmware(c *gin.Context) {
	board := c.Query("board")
	if board == "" {
		respondError(c, http.StatusBadRequest, CodeBadRequest, "board is required")
		return
	}

	rel, err := s.firmware.Latest(c.Request.Context(), board)
	switch {
	case err == nil:
		respondData(c, http.StatusOK, rel)
	case errors.Is(err, firmware.ErrNotFound):
		respondError(c, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, resilience.ErrOpen):
		respondError(c, http.StatusServiceUnavailable, CodeUnavailable, "firmware catalog temporarily unavailable")
	default:
		log.Warn().Err(err).Str("board", board).Msg("firmware lookup failed")
		respondError(c, http.StatusBadGateway, CodeBadGateway, "firmware catalog unreachable")
	}
}
