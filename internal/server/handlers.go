package server

import (
	"errors"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/tokuhirom/sabos/internal/kernel/ipc"
	"github.com/tokuhirom/sabos/internal/kernel/sched"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
	"github.com/tokuhirom/sabos/internal/kernel/vfs"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"boot_id":   s.kernel.BootID(),
		"uptime_ms": s.kernel.Clock().UptimeMs(),
	})
}

func (s *Server) handleMetricsSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Summary())
}

func (s *Server) handleTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tasks": s.kernel.Scheduler().Snapshot(),
		"mem":   s.kernel.Scheduler().Mem(),
	})
}

// fsStatResponse adds content sniffing on top of the router's stat. The
// MIME type comes from the file bytes, not the name.
type fsStatResponse struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
	Size uint64 `json:"size"`
	MIME string `json:"mime,omitempty"`
}

func (s *Server) handleFSStat(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing path"})
		return
	}
	info, err := s.kernel.Router().Stat(path)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	resp := fsStatResponse{Path: path, Kind: info.Kind.String(), Size: info.Size}
	if info.Kind == vfs.KindFile {
		if data, err := s.kernel.Router().ReadFile(path); err == nil {
			resp.MIME = mimetype.Detect(data).String()
		}
	}
	c.JSON(http.StatusOK, resp)
}

// stateSnapshot is the full introspection dump served gzipped from
// /snapshot.
type stateSnapshot struct {
	BootID   string           `json:"boot_id"`
	UptimeMs uint64           `json:"uptime_ms"`
	Tasks    []sched.TaskInfo `json:"tasks"`
	Mem      sched.MemInfo    `json:"mem"`
	Mounts   []vfs.MountInfo  `json:"mounts"`
	IPC      []ipc.QueueInfo  `json:"ipc"`
}

func (s *Server) handleSnapshot(c *gin.Context) {
	snap := stateSnapshot{
		BootID:   s.kernel.BootID(),
		UptimeMs: s.kernel.Clock().UptimeMs(),
		Tasks:    s.kernel.Scheduler().Snapshot(),
		Mem:      s.kernel.Scheduler().Mem(),
		Mounts:   s.kernel.Router().Mounts(),
		IPC:      s.kernel.IPC().Snapshot(),
	}
	payload, err := sonic.Marshal(snap)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "application/json")
	c.Header("Content-Encoding", "gzip")
	c.Status(http.StatusOK)
	zw := gzip.NewWriter(c.Writer)
	if _, err := zw.Write(payload); err != nil {
		s.logger.Warn("snapshot write failed", zap.Error(err))
	}
	if err := zw.Close(); err != nil {
		s.logger.Warn("snapshot flush failed", zap.Error(err))
	}
}

type spawnRequest struct {
	Path string   `json:"path" binding:"required"`
	Args []string `json:"args"`
}

func (s *Server) handleSpawn(c *gin.Context) {
	var req spawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.kernel.SpawnProgram(req.Path, req.Args)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("spawned via gateway",
		zap.String("path", req.Path),
		zap.Uint64("task", uint64(id)))
	c.JSON(http.StatusCreated, gin.H{"task_id": uint64(id)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, syserr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, syserr.ErrPermissionDenied), errors.Is(err, syserr.ErrPathTraversal):
		return http.StatusForbidden
	case errors.Is(err, syserr.ErrInvalidArgument), errors.Is(err, syserr.ErrNotSupported):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
