package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/docindex/internal/model"
	"github.com/xxxsen/docindex/internal/pkg/response"
	"github.com/xxxsen/docindex/internal/service"
)

// ILibraryService is the operation set served over HTTP.
type ILibraryService interface {
	AddLibrary(ctx context.Context, spec model.LibrarySpec) (*model.LibraryStatus, error)
	AddLibraries(ctx context.Context, specs []model.LibrarySpec, failFast bool) (*model.AddLibrariesResult, error)
	RemoveLibrary(ctx context.Context, name, versionSpec string) error
	ListLibraries(ctx context.Context, enabledOnly bool) ([]model.LibrarySummary, error)
	CheckStatus(ctx context.Context, name, versionSpec string) (*model.LibraryStatus, error)
	Query(ctx context.Context, name, question string, opts service.QueryOptions) (*model.QueryResult, error)
}

type LibraryHandler struct {
	libs ILibraryService
}

func NewLibraryHandler(libs ILibraryService) *LibraryHandler {
	return &LibraryHandler{libs: libs}
}

type addBatchRequest struct {
	Libraries []model.LibrarySpec `json:"libraries"`
	FailFast  bool                `json:"fail_fast"`
}

type queryRequest struct {
	Question    string `json:"question"`
	VersionSpec string `json:"version_spec"`
	TopK        int    `json:"top_k"`
	Summarize   bool   `json:"summarize"`
}

func (h *LibraryHandler) Add(c *gin.Context) {
	var req model.LibrarySpec
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	st, err := h.libs.AddLibrary(c.Request.Context(), req)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, st)
}

func (h *LibraryHandler) AddBatch(c *gin.Context) {
	var req addBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	res, err := h.libs.AddLibraries(c.Request.Context(), req.Libraries, req.FailFast)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *LibraryHandler) List(c *gin.Context) {
	enabledOnly := false
	if value := c.Query("enabled_only"); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			badRequest(c, "enabled_only must be a boolean")
			return
		}
		enabledOnly = parsed
	}
	items, err := h.libs.ListLibraries(c.Request.Context(), enabledOnly)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"libraries": items, "total": len(items)})
}

func (h *LibraryHandler) Remove(c *gin.Context) {
	versionSpec := c.Query("version_spec")
	if err := h.libs.RemoveLibrary(c.Request.Context(), c.Param("name"), versionSpec); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"ok": true})
}

func (h *LibraryHandler) Status(c *gin.Context) {
	st, err := h.libs.CheckStatus(c.Request.Context(), c.Param("name"), c.Query("version_spec"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, st)
}

func (h *LibraryHandler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	if req.Question == "" {
		badRequest(c, "question required")
		return
	}
	res, err := h.libs.Query(c.Request.Context(), c.Param("name"), req.Question, service.QueryOptions{
		VersionSpec: req.VersionSpec,
		TopK:        req.TopK,
		Summarize:   req.Summarize,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}
