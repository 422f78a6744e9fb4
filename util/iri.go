package util

import (
	"fmt"
	"net/url"
	"strings"
)

const PublicCollection = "https://www.w3.org/ns/activitystreams#Public"

type IRIKind uint

const (
	ActorIRI IRIKind = iota
	InboxIRI
	OutboxIRI
	FollowersIRI
	FollowingIRI
	SharedInboxIRI
	KeyIRI
)

// GetIRI builds the canonical IRI of a local account resource.
func GetIRI(domain string, nickname string, kind IRIKind) string {
	prefix := fmt.Sprintf("https://%s/users/%s", domain, nickname)
	switch kind {
	case InboxIRI:
		return prefix + "/inbox"
	case OutboxIRI:
		return prefix + "/outbox"
	case FollowersIRI:
		return prefix + "/followers"
	case FollowingIRI:
		return prefix + "/following"
	case SharedInboxIRI:
		return fmt.Sprintf("https://%s/inbox", domain)
	case KeyIRI:
		return prefix + "#main-key"
	default:
		return prefix
	}
}

// InstanceActorIRI is the server-level actor used to sign key fetches.
func InstanceActorIRI(domain string) string {
	return fmt.Sprintf("https://%s/actor", domain)
}

// LocalNickname returns the nickname when uri points at a local account
// resource (actor, inbox, followers...), otherwise "".
func LocalNickname(domain string, uri string) string {
	u, err := url.Parse(uri)
	if err != nil || !strings.EqualFold(u.Host, domain) {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "users" && parts[1] != "" {
		return parts[1]
	}
	return ""
}

// HostOf returns the lower-cased host of uri, or "" when it does not parse.
func HostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
