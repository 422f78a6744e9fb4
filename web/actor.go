package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
)

var actorContext = []string{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

type publicKey struct {
	Id           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type endpoints struct {
	SharedInbox string `json:"sharedInbox"`
}

type actorDocument struct {
	Context                   []string  `json:"@context"`
	Id                        string    `json:"id"`
	Type                      string    `json:"type"`
	PreferredUsername         string    `json:"preferredUsername"`
	Name                      string    `json:"name,omitempty"`
	Summary                   string    `json:"summary,omitempty"`
	Inbox                     string    `json:"inbox"`
	Outbox                    string    `json:"outbox"`
	Followers                 string    `json:"followers,omitempty"`
	Following                 string    `json:"following,omitempty"`
	URL                       string    `json:"url"`
	ManuallyApprovesFollowers bool      `json:"manuallyApprovesFollowers"`
	Discoverable              bool      `json:"discoverable"`
	Endpoints                 endpoints `json:"endpoints"`
	PublicKey                 publicKey `json:"publicKey"`
}

type collection struct {
	Context      string `json:"@context"`
	Id           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   int    `json:"totalItems"`
	First        string `json:"first,omitempty"`
	OrderedItems []any  `json:"orderedItems,omitempty"`
}

// ActorDocument is the Person document of a local account.
func ActorDocument(acc *domain.Account, domainName string) any {
	actor := util.GetIRI(domainName, acc.Nickname, util.ActorIRI)
	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Nickname
	}
	return &actorDocument{
		Context:           actorContext,
		Id:                actor,
		Type:              "Person",
		PreferredUsername: acc.Nickname,
		Name:              displayName,
		Summary:           acc.Summary,
		Inbox:             util.GetIRI(domainName, acc.Nickname, util.InboxIRI),
		Outbox:            util.GetIRI(domainName, acc.Nickname, util.OutboxIRI),
		Followers:         util.GetIRI(domainName, acc.Nickname, util.FollowersIRI),
		Following:         util.GetIRI(domainName, acc.Nickname, util.FollowingIRI),
		URL:               actor,
		Discoverable:      true,
		Endpoints:         endpoints{SharedInbox: util.GetIRI(domainName, acc.Nickname, util.SharedInboxIRI)},
		PublicKey: publicKey{
			Id:           util.GetIRI(domainName, acc.Nickname, util.KeyIRI),
			Owner:        actor,
			PublicKeyPem: acc.WebPublicKey,
		},
	}
}

// InstanceActorDocument is the server actor whose key signs outbound
// fetches. It is always served unsigned so peers can bootstrap.
func InstanceActorDocument(domainName string, publicKeyPem string) any {
	actor := util.InstanceActorIRI(domainName)
	shared := util.GetIRI(domainName, "", util.SharedInboxIRI)
	return &actorDocument{
		Context:                   actorContext,
		Id:                        actor,
		Type:                      "Application",
		PreferredUsername:         domainName,
		Inbox:                     shared,
		Outbox:                    actor + "/outbox",
		URL:                       actor,
		ManuallyApprovesFollowers: true,
		Endpoints:                 endpoints{SharedInbox: shared},
		PublicKey: publicKey{
			Id:           actor + "#main-key",
			Owner:        actor,
			PublicKeyPem: publicKeyPem,
		},
	}
}

func writeJSON(c *gin.Context, code int, contentType string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(code, contentType, body)
}

// localAccount loads the :nick account or answers 404.
func (s *Server) localAccount(c *gin.Context) (*domain.Account, bool) {
	err, acc := s.db.ReadAccByNickname(c.Param("nick"))
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return nil, false
	}
	return acc, true
}

func (s *Server) handleActor(c *gin.Context) {
	acc, ok := s.localAccount(c)
	if !ok {
		return
	}
	writeActivity(c, http.StatusOK, ActorDocument(acc, s.conf.Conf.Domain))
}

func (s *Server) handleInstanceActor(c *gin.Context) {
	writeActivity(c, http.StatusOK, InstanceActorDocument(s.conf.Conf.Domain, s.instanceKey))
}

func (s *Server) handleFollowers(c *gin.Context) {
	acc, ok := s.localAccount(c)
	if !ok {
		return
	}
	err, follows := s.db.ReadFollowersByAccountId(acc.Id)
	if err != nil {
		s.log.Errorw("HTTP: failed to read followers", "account", acc.Nickname, "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	writeActivity(c, http.StatusOK, &collection{
		Context:    "https://www.w3.org/ns/activitystreams",
		Id:         util.GetIRI(s.conf.Conf.Domain, acc.Nickname, util.FollowersIRI),
		Type:       "OrderedCollection",
		TotalItems: len(*follows),
	})
}

func (s *Server) handleFollowing(c *gin.Context) {
	acc, ok := s.localAccount(c)
	if !ok {
		return
	}
	err, follows := s.db.ReadFollowingByAccountId(acc.Id)
	if err != nil {
		s.log.Errorw("HTTP: failed to read following", "account", acc.Nickname, "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	writeActivity(c, http.StatusOK, &collection{
		Context:    "https://www.w3.org/ns/activitystreams",
		Id:         util.GetIRI(s.conf.Conf.Domain, acc.Nickname, util.FollowingIRI),
		Type:       "OrderedCollection",
		TotalItems: len(*follows),
	})
}
