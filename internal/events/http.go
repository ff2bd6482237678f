package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when /graphql receives a request. Upgrade is set for
// WebSocket handshakes, whose HTTPFinish arrives when the connection ends.
type HTTPStart struct {
	Request *http.Request
	Upgrade bool
}

type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Duration time.Duration
}
