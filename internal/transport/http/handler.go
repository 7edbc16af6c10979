package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/richardliu001/permissions-service/internal/domain"
	"github.com/richardliu001/permissions-service/internal/model"
	"github.com/richardliu001/permissions-service/internal/search"
	"github.com/richardliu001/permissions-service/internal/service"
)

// Searcher answers free-text queries against the search index.
type Searcher interface {
	Search(ctx context.Context, term string, size int) ([]search.Document, error)
}

func RegisterHandlers(r *gin.Engine, svc *service.PermissionService, searcher Searcher, log *zap.SugaredLogger) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/v1")
	{
		v1.POST("/permissions", requestHandler(svc, log))
		v1.PUT("/permissions/:id", modifyHandler(svc, log))
		v1.DELETE("/permissions/:id", deleteHandler(svc, log))
		v1.GET("/permissions", listHandler(svc, log))
		v1.GET("/permissions/search", searchHandler(searcher, log))
		v1.GET("/permissions/:id", getHandler(svc, log))
		v1.GET("/permission-types", typesHandler(svc, log))
		v1.GET("/outbox/failed", failedOutboxHandler(svc, log))
		v1.POST("/outbox/:id/requeue", requeueHandler(svc, log))
	}
}

type permissionReq struct {
	Forename         string     `json:"forename"`
	Surname          string     `json:"surname"`
	PermissionTypeID uint64     `json:"permissionTypeId"`
	Date             model.Date `json:"date"`
}

func requestHandler(svc *service.PermissionService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req permissionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		snap, err := svc.RequestPermission(c.Request.Context(), req.Forename, req.Surname, req.PermissionTypeID, req.Date.Time)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, snap)
	}
}

func modifyHandler(svc *service.PermissionService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		var req permissionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		snap, err := svc.ModifyPermission(c.Request.Context(), id, req.Forename, req.Surname, req.PermissionTypeID, req.Date.Time)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func deleteHandler(svc *service.PermissionService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		snap, err := svc.DeletePermission(c.Request.Context(), id)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func getHandler(svc *service.PermissionService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		snap, err := svc.GetPermission(c.Request.Context(), id)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func listHandler(svc *service.PermissionService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := model.PermissionFilter{EmployeeName: c.Query("employeeName")}
		if s := c.Query("permissionTypeId"); s != "" {
			id, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid permissionTypeId"})
				return
			}
			f.PermissionTypeID = id
		}
		if s := c.Query("fromDate"); s != "" {
			d, err := model.ParseDate(s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fromDate"})
				return
			}
			f.FromDate = &d.Time
		}
		if s := c.Query("toDate"); s != "" {
			d, err := model.ParseDate(s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid toDate"})
				return
			}
			f.ToDate = &d.Time
		}
		ps, err := svc.ListPermissions(c.Request.Context(), f)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, ps)
	}
}

const (
	defaultSearchSize = 20
	maxSearchSize     = 100
)

// searchSize parses the size query, falling back to the default on junk and
// capping it well inside Elasticsearch's result window.
func searchSize(raw string) int {
	size, err := strconv.Atoi(raw)
	if err != nil || size < 1 {
		return defaultSearchSize
	}
	return min(size, maxSearchSize)
}

func searchHandler(searcher Searcher, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if searcher == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search is not configured"})
			return
		}
		term := strings.TrimSpace(c.Query("q"))
		if term == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
			return
		}
		docs, err := searcher.Search(c.Request.Context(), term, searchSize(c.Query("size")))
		if err != nil {
			log.Errorw("search failed", "term", term, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "search index unavailable"})
			return
		}
		c.JSON(http.StatusOK, docs)
	}
}

func typesHandler(svc *service.PermissionService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		types, err := svc.ListPermissionTypes(c.Request.Context())
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, types)
	}
}

func failedOutboxHandler(svc *service.PermissionService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		rows, err := svc.ListFailedOutbox(c.Request.Context(), limit)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func requeueHandler(svc *service.PermissionService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		if err := svc.RequeueOutbox(c.Request.Context(), id); err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"requeued": id})
	}
}

func idParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// writeError maps domain errors to status codes. Anything unrecognised is a
// 500 and is logged, not echoed.
func writeError(c *gin.Context, log *zap.SugaredLogger, err error) {
	var (
		ve *domain.ValidationError
		nf *domain.NotFoundError
		ce *domain.ConflictError
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "fields": ve.Fields})
	case errors.As(err, &nf):
		c.JSON(http.StatusNotFound, gin.H{"error": nf.Error()})
	case errors.As(err, &ce):
		c.JSON(http.StatusConflict, gin.H{"error": ce.Error()})
	case errors.Is(err, context.Canceled):
		c.Status(499)
	default:
		log.Errorw("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
