// Package server mounts the proxy engine on an HTTP surface.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/paymcp/paygate/proxy"
)

// ServerIDHeader names the target server when it is not in the path.
const ServerIDHeader = "X-Paygate-Server"

// New builds the router: MCP traffic under /mcp, health at /healthz.
func New(engine *proxy.Engine, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	mcp := router.Group("/mcp")
	{
		mcp.POST("/:serverId", func(c *gin.Context) {
			engine.Handle(c.Writer, c.Request, c.Param("serverId"))
		})
		mcp.GET("/:serverId", func(c *gin.Context) {
			engine.HandlePassthrough(c.Writer, c.Request, c.Param("serverId"))
		})
		mcp.DELETE("/:serverId", func(c *gin.Context) {
			engine.HandlePassthrough(c.Writer, c.Request, c.Param("serverId"))
		})

		// No path id: take it from the query or the header.
		mcp.POST("", func(c *gin.Context) {
			serverID, ok := implicitServerID(c)
			if !ok {
				return
			}
			engine.Handle(c.Writer, c.Request, serverID)
		})
		mcp.GET("", func(c *gin.Context) {
			serverID, ok := implicitServerID(c)
			if !ok {
				return
			}
			engine.HandlePassthrough(c.Writer, c.Request, serverID)
		})
		mcp.DELETE("", func(c *gin.Context) {
			serverID, ok := implicitServerID(c)
			if !ok {
				return
			}
			engine.HandlePassthrough(c.Writer, c.Request, serverID)
		})
	}

	return router
}

func implicitServerID(c *gin.Context) (string, bool) {
	if serverID := c.Query("serverId"); serverID != "" {
		return serverID, true
	}
	if serverID := c.GetHeader(ServerIDHeader); serverID != "" {
		return serverID, true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "missing server id"})
	return "", false
}
