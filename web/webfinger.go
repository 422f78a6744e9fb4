package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/deemkeen/stegofed/util"
)

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webfinger struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []webfingerLink `json:"links"`
}

// ParseResource extracts the nickname from an acct: resource on domainName,
// or from a local actor IRI. ok is false for anything else.
func ParseResource(resource string, domainName string) (nickname string, ok bool) {
	if nick := util.LocalNickname(domainName, resource); nick != "" {
		return nick, true
	}
	acct, found := strings.CutPrefix(resource, "acct:")
	if !found {
		return "", false
	}
	acct = strings.TrimPrefix(acct, "@")
	user, host, found := strings.Cut(acct, "@")
	if !found || user == "" || !strings.EqualFold(host, domainName) {
		return "", false
	}
	return user, true
}

// Webfinger is the JRD document of a local account.
func Webfinger(nickname string, domainName string) any {
	actor := util.GetIRI(domainName, nickname, util.ActorIRI)
	return &webfinger{
		Subject: fmt.Sprintf("acct:%s@%s", nickname, domainName),
		Aliases: []string{actor},
		Links: []webfingerLink{
			{Rel: "self", Type: "application/activity+json", Href: actor},
		},
	}
}

func (s *Server) handleWebfinger(c *gin.Context) {
	domainName := s.conf.Conf.Domain
	resource := c.Query("resource")

	// the instance actor answers to acct:domain@domain
	if resource == fmt.Sprintf("acct:%s@%s", domainName, domainName) {
		writeJSON(c, http.StatusOK, contentTypeJRD, &webfinger{
			Subject: resource,
			Links: []webfingerLink{
				{Rel: "self", Type: "application/activity+json", Href: util.InstanceActorIRI(domainName)},
			},
		})
		return
	}

	nickname, ok := ParseResource(resource, domainName)
	if !ok {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	err, acc := s.db.ReadAccByNickname(nickname)
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	writeJSON(c, http.StatusOK, contentTypeJRD, Webfinger(acc.Nickname, domainName))
}
