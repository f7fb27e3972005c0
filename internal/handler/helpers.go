package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docindex/internal/ai"
	"github.com/xxxsen/docindex/internal/middleware"
	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
	"github.com/xxxsen/docindex/internal/pkg/errcode"
	"github.com/xxxsen/docindex/internal/pkg/response"
)

type errMapping struct {
	target error
	code   int
}

// Order matters: wrapped provider errors can carry more than one sentinel.
var errMappings = []errMapping{
	{appErr.ErrNotFound, errcode.ErrNotFound},
	{appErr.ErrInvalid, errcode.ErrInvalid},
	{appErr.ErrAlreadyInProgress, errcode.ErrConflict},
	{appErr.ErrConfigMismatch, errcode.ErrConfigMismatch},
	{appErr.ErrRateLimited, errcode.ErrTooMany},
	{ai.ErrUnavailable, errcode.ErrUnavailable},
	{appErr.ErrUnavailable, errcode.ErrUnavailable},
	{appErr.ErrTransient, errcode.ErrProvider},
	{appErr.ErrProvider, errcode.ErrProvider},
	{appErr.ErrStorage, errcode.ErrStorage},
}

func errorCode(err error) int {
	for _, m := range errMappings {
		if errors.Is(err, m.target) {
			return m.code
		}
	}
	return errcode.ErrInternal
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	requestID, _ := c.Get(middleware.ContextRequestIDKey)
	code := errorCode(err)
	logger := logutil.GetLogger(c.Request.Context()).With(
		zap.Any("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	msg := err.Error()
	switch code {
	case errcode.ErrInternal, errcode.ErrStorage:
		logger.Error("request failed")
		msg = "internal error"
	default:
		logger.Warn("request rejected")
	}
	response.Error(c, code, msg)
}

func badRequest(c *gin.Context, msg string) {
	response.Error(c, errcode.ErrInvalid, msg)
}
