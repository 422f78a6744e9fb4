package web

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// handleNewswire serves the feed last written by the newswire daemon.
func (s *Server) handleNewswire(c *gin.Context) {
	if s.newswire == "" {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	data, err := os.ReadFile(s.newswire)
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", data)
}
