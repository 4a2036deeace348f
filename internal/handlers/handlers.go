package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/miniminds/internal/auth"
	"github.com/example/miniminds/internal/media"
	"github.com/example/miniminds/internal/render"
	"github.com/example/miniminds/internal/repository"
	"github.com/example/miniminds/internal/usecase"
	"github.com/example/miniminds/internal/workflow"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// multipartOverhead is the allowance for boundaries and headers on top of the file.
const multipartOverhead = 1 << 20

// HistoryService exposes persisted attempts.
type HistoryService interface {
	History(ctx context.Context, userID string, limit int) ([]*repository.AnalysisLog, error)
	HistoryEntry(ctx context.Context, userID, requestID string) (*repository.AnalysisLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Sessions       *workflow.Manager
	History        HistoryService
	Objects        *media.ObjectURLRegistry
	AnalyzeLimiter *RateLimiter
	MaxUploadBytes int64
	Logger         *zap.Logger
}

type handler struct {
	Dependencies
}

type sessionResponse struct {
	workflow.Snapshot
	Entries []render.Entry `json:"entries,omitempty"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies, authMiddleware gin.HandlerFunc) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = media.DefaultMaxBytes
	}
	h := &handler{Dependencies: deps}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/blobs/:id", h.serveBlob)

	sessions := router.Group("/sessions", authMiddleware)
	sessions.POST("", h.createSession)
	sessions.GET("/:id", h.getSession)
	sessions.PUT("/:id/files/:slot", h.selectFile)
	sessions.POST("/:id/analyze", deps.AnalyzeLimiter.Middleware(), h.analyze)
	sessions.DELETE("/:id", h.clear)
	sessions.GET("/:id/report", h.report)

	router.GET("/history", authMiddleware, h.history)
	router.GET("/history/:request_id", authMiddleware, h.historyEntry)
	router.GET("/metrics/summary", authMiddleware, h.metrics)
}

func (h *handler) createSession(c *gin.Context) {
	var body struct {
		Variant string `json:"variant"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	variant, err := workflow.ParseVariant(body.Variant)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.Sessions.Create(subject(c), variant)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, toResponse(session.Snapshot()))
}

func (h *handler) getSession(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toResponse(session.Snapshot()))
}

func (h *handler) selectFile(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}
	slot, err := media.ParseSlot(c.Param("slot"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes+multipartOverhead)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": media.ErrFileTooLarge.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if fileHeader.Size > h.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": media.ErrFileTooLarge.Error()})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open file"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read file"})
		return
	}

	if _, err := session.SelectFile(slot, fileHeader.Filename, fileHeader.Header.Get("Content-Type"), data); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(session.Snapshot()))
}

func (h *handler) analyze(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}

	// Once dispatched, an attempt runs to completion even if the caller goes away.
	snap, err := session.Analyze(context.WithoutCancel(c.Request.Context()))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, toResponse(snap))
	case isGuardError(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "status": snap.Status})
	default:
		c.JSON(http.StatusBadGateway, toResponse(snap))
	}
}

func (h *handler) clear(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}
	session.Clear()
	c.JSON(http.StatusOK, toResponse(session.Snapshot()))
}

func (h *handler) report(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}
	highlighter := render.Markdown
	if strings.EqualFold(c.Query("format"), "ansi") {
		highlighter = render.ANSI
	}
	c.String(http.StatusOK, render.Report(session.Snapshot(), highlighter))
}

func (h *handler) serveBlob(c *gin.Context) {
	file, err := h.Objects.Resolve(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, file.ContentType, file.Data)
}

func (h *handler) history(c *gin.Context) {
	if h.History == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": usecase.ErrHistoryDisabled.Error()})
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logs, err := h.History.History(c.Request.Context(), subject(c), limit)
	if errors.Is(err, usecase.ErrHistoryDisabled) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.Logger.Error("history lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}

	items := make([]gin.H, 0, len(logs))
	for _, log := range logs {
		items = append(items, historyItem(log))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *handler) historyEntry(c *gin.Context) {
	if h.History == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": usecase.ErrHistoryDisabled.Error()})
		return
	}
	log, err := h.History.HistoryEntry(c.Request.Context(), subject(c), c.Param("request_id"))
	switch {
	case errors.Is(err, repository.ErrLogNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, usecase.ErrHistoryDisabled):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.Logger.Error("history entry lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, historyItem(log))
}

func (h *handler) metrics(c *gin.Context) {
	if h.History == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": usecase.ErrHistoryDisabled.Error()})
		return
	}
	summary, err := h.History.GetMetricsSummary(c.Request.Context())
	if errors.Is(err, usecase.ErrHistoryDisabled) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.Logger.Error("metrics aggregation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) lookup(c *gin.Context) (*workflow.Session, bool) {
	session, err := h.Sessions.Get(subject(c), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return session, true
}

func (h *handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, media.ErrUnsupportedType):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, media.ErrFileTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, media.ErrEmptyFile), errors.Is(err, media.ErrUnknownSlot), errors.Is(err, workflow.ErrSlotUnavailable):
		status = http.StatusBadRequest
	case isGuardError(err):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, nil
}

func historyItem(log *repository.AnalysisLog) gin.H {
	return gin.H{
		"request_id": log.RequestID,
		"session_id": log.SessionID,
		"variant":    log.Variant,
		"status":     log.Status,
		"summary":    log.Summary,
		"verdict":    log.Verdict,
		"error_kind": log.ErrorKind,
		"error":      log.Error,
		"latency_ms": log.LatencyMs,
		"created_at": log.CreatedAt,
	}
}

func isGuardError(err error) bool {
	return errors.Is(err, workflow.ErrNotReady) ||
		errors.Is(err, workflow.ErrInFlight) ||
		errors.Is(err, workflow.ErrClearRequired) ||
		errors.Is(err, workflow.ErrSuperseded)
}

func subject(c *gin.Context) string {
	s, _ := auth.Subject(c.Request.Context())
	return s
}

func toResponse(snap workflow.Snapshot) sessionResponse {
	resp := sessionResponse{Snapshot: snap}
	if snap.Outcome != nil {
		resp.Entries = render.Entries(snap.Outcome.Prediction)
	}
	return resp
}
