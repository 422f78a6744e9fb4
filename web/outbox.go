package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
)

const itemsPerPage = 20

type collectionPage struct {
	Context      string            `json:"@context"`
	Id           string            `json:"id"`
	Type         string            `json:"type"`
	PartOf       string            `json:"partOf"`
	Next         string            `json:"next,omitempty"`
	Prev         string            `json:"prev,omitempty"`
	OrderedItems []json.RawMessage `json:"orderedItems"`
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}

// OutboxCollection returns the OrderedCollection summary of acc's public
// outbox.
func (s *Server) OutboxCollection(acc *domain.Account) (any, error) {
	total, err := s.db.CountPublicOutboxByAccountId(acc.Id)
	if err != nil {
		return nil, err
	}
	outboxURL := util.GetIRI(s.conf.Conf.Domain, acc.Nickname, util.OutboxIRI)
	return &collection{
		Context:    activitypub.ActivityStreamsContext,
		Id:         outboxURL,
		Type:       "OrderedCollection",
		TotalItems: total,
		First:      fmt.Sprintf("%s?page=1", outboxURL),
	}, nil
}

// OutboxPage returns one page of acc's public outbox, newest first.
func (s *Server) OutboxPage(acc *domain.Account, page int) (any, error) {
	offset := (page - 1) * itemsPerPage
	// one extra row tells whether a next page exists
	err, entries := s.db.ReadPublicOutboxByAccountId(acc.Id, itemsPerPage+1, offset)
	if err != nil {
		return nil, err
	}

	outboxURL := util.GetIRI(s.conf.Conf.Domain, acc.Nickname, util.OutboxIRI)
	result := &collectionPage{
		Context:      activitypub.ActivityStreamsContext,
		Id:           fmt.Sprintf("%s?page=%d", outboxURL, page),
		Type:         "OrderedCollectionPage",
		PartOf:       outboxURL,
		OrderedItems: []json.RawMessage{},
	}
	items := *entries
	if len(items) > itemsPerPage {
		items = items[:itemsPerPage]
		result.Next = fmt.Sprintf("%s?page=%d", outboxURL, page+1)
	}
	if page > 1 {
		result.Prev = fmt.Sprintf("%s?page=%d", outboxURL, page-1)
	}
	for _, entry := range items {
		result.OrderedItems = append(result.OrderedItems, json.RawMessage(entry.RawJSON))
	}
	return result, nil
}

func (s *Server) handleOutboxCollection(c *gin.Context) {
	acc, ok := s.localAccount(c)
	if !ok {
		return
	}
	var (
		doc any
		err error
	)
	if page := ParsePageParam(c.Query("page")); page > 0 {
		doc, err = s.OutboxPage(acc, page)
	} else {
		doc, err = s.OutboxCollection(acc)
	}
	if err != nil {
		s.log.Errorw("HTTP: failed to read outbox", "account", acc.Nickname, "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	writeActivity(c, http.StatusOK, doc)
}

// handleOutboxPost runs after authenticate has bound the account. Every
// refusal is a 403; the log carries the reason.
func (s *Server) handleOutboxPost(c *gin.Context) {
	acc := c.MustGet(accountKey).(*domain.Account)

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.conf.Conf.MaxPostBytes))
	if err != nil {
		s.log.Infow("Outbox: failed to read body", "account", acc.Nickname, "error", err)
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	sub, err := s.outbox.Submit(c.Request.Context(), acc, body)
	if err != nil {
		if errors.Is(err, activitypub.ErrOutboxPersist) {
			s.log.Errorw("Outbox: failed to persist", "account", acc.Nickname, "error", err)
		} else {
			s.log.Infow("Outbox: submission refused", "account", acc.Nickname, "error", err)
		}
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	c.Header("Location", sub.ActivityIRI)
	c.Status(http.StatusCreated)
}
