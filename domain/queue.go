package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// QueuedActivity is the durable record of an admitted inbound activity.
type QueuedActivity struct {
	Id         string            `json:"id"`
	Nickname   string            `json:"nickname"`
	Path       string            `json:"path"`
	Body       []byte            `json:"body"`
	Activity   json.RawMessage   `json:"activity"`
	Original   json.RawMessage   `json:"original"`
	Headers    map[string]string `json:"headers"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// CapturedHeaders lists the request headers stored with a queued activity.
var CapturedHeaders = []string{
	"Host",
	"Signature",
	"Signature-Input",
	"Date",
	"Digest",
	"Content-Digest",
	"Content-Type",
	"Content-Length",
	"Collection-Synchronization",
}
