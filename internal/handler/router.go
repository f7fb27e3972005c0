package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/docindex/internal/middleware"
)

type RouterDeps struct {
	Libraries  *LibraryHandler
	Health     *HealthHandler
	JWTSecret  []byte
	QueryRPS   float64
	QueryBurst int
	MCP        http.Handler
	MCPPath    string
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET("/health/live", deps.Health.Live)
	api.GET("/health/ready", deps.Health.Ready)

	api.GET("/libraries", deps.Libraries.List)
	api.GET("/libraries/:name/status", deps.Libraries.Status)
	query := []gin.HandlerFunc{deps.Libraries.Query}
	if deps.QueryRPS > 0 {
		query = append([]gin.HandlerFunc{middleware.RateLimit(deps.QueryRPS, deps.QueryBurst)}, query...)
	}
	api.POST("/libraries/:name/query", query...)

	admin := api.Group("")
	admin.Use(middleware.AdminAuth(deps.JWTSecret))
	admin.POST("/libraries", deps.Libraries.Add)
	admin.POST("/libraries/batch", deps.Libraries.AddBatch)
	admin.DELETE("/libraries/:name", deps.Libraries.Remove)

	if deps.MCP != nil {
		path := deps.MCPPath
		if path == "" {
			path = "/mcp"
		}
		admin.Any(path, gin.WrapH(deps.MCP))
	}
}
