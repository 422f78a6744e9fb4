package inbox

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
)

// knownContexts are the linked-data contexts an inbound activity must
// carry at least one of.
var knownContexts = map[string]bool{
	"https://www.w3.org/ns/activitystreams":  true,
	"http://www.w3.org/ns/activitystreams":   true,
	"https://www.w3.org/ns/activitystreams#": true,
}

var errNotString = errors.New("expected a string")

// strictString only decodes from a JSON string.
type strictString string

func (s *strictString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) == 0 || data[0] != '"' {
		return errNotString
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = strictString(v)
	return nil
}

// strictList only decodes from a JSON array.
type strictList []json.RawMessage

func (l *strictList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) == 0 || data[0] != '[' {
		return errors.New("expected a list")
	}
	var v []json.RawMessage
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*l = v
	return nil
}

// addressing is a top-level to/cc: a single IRI or a list of them.
type addressing []json.RawMessage

func (a *addressing) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		*a = addressing{json.RawMessage(data)}
		return nil
	}
	var l strictList
	if err := l.UnmarshalJSON(data); err != nil {
		return err
	}
	*a = addressing(l)
	return nil
}

// objectShape is the whitelist of typed fields on an embedded object.
type objectShape struct {
	Id           strictString `json:"id"`
	Actor        strictString `json:"actor"`
	Type         strictString `json:"type"`
	Content      strictString `json:"content"`
	Published    strictString `json:"published"`
	Summary      strictString `json:"summary"`
	URL          strictString `json:"url"`
	AttributedTo strictString `json:"attributedTo"`
	To           strictList   `json:"to"`
	Cc           strictList   `json:"cc"`
	Attachment   strictList   `json:"attachment"`
}

// activityShape is the whitelist of typed fields on the activity itself.
type activityShape struct {
	Id        strictString    `json:"id"`
	Type      strictString    `json:"type"`
	Published strictString    `json:"published"`
	To        addressing      `json:"to"`
	Cc        addressing      `json:"cc"`
	Object    json.RawMessage `json:"object"`
}

// hasKnownContext accepts a context string, or a list holding at least one
// known context string next to any number of extension objects.
func hasKnownContext(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return knownContexts[single]
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return false
	}
	for _, item := range list {
		if err := json.Unmarshal(item, &single); err == nil && knownContexts[single] {
			return true
		}
	}
	return false
}

// actorIRI returns the actor when it is a string that looks like an
// absolute IRI.
func actorIRI(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("missing actor")
	}
	var actor string
	if err := json.Unmarshal(raw, &actor); err != nil {
		return "", errors.New("actor is not a string")
	}
	if !strings.Contains(actor, "://") {
		return "", fmt.Errorf("actor %q is not an absolute IRI", actor)
	}
	u, err := url.Parse(actor)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "", fmt.Errorf("actor %q is not an absolute IRI", actor)
	}
	if !strings.Contains(u.Host, ".") && !strings.Contains(u.Host, ":") && u.Hostname() != "localhost" {
		return "", fmt.Errorf("actor %q has no domain", actor)
	}
	return actor, nil
}

// decodeShape strictly decodes the activity and, when present, its embedded
// object. Type confusion is an error, never coerced.
func decodeShape(body []byte) (*activityShape, *objectShape, error) {
	var activity activityShape
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, nil, fmt.Errorf("malformed activity: %w", err)
	}
	object := bytes.TrimSpace(activity.Object)
	if len(object) == 0 || object[0] != '{' {
		return &activity, nil, nil
	}
	var shape objectShape
	if err := json.Unmarshal(object, &shape); err != nil {
		return nil, nil, fmt.Errorf("malformed object: %w", err)
	}
	return &activity, &shape, nil
}
