package web

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/inbox"
)

// handleInbox serves the personal and shared inboxes. Only the status code
// reaches the peer.
func (s *Server) handleInbox(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.log.Infow("Inbox: failed to read body", "path", c.Request.URL.Path, "error", err)
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	_, err = s.inbox.Admit(&inbox.Request{
		Path:       c.Request.URL.RequestURI(),
		Nickname:   c.Param("nick"),
		Body:       body,
		Headers:    activitypub.CaptureHeaders(c.Request, domain.CapturedHeaders),
		ReceivedAt: time.Now(),
	})
	c.Status(inbox.StatusCode(err))
}
