package events

import "time"

// SubscriptionStart is emitted once a subscription has its source stream.
// ID is unique per subscription, across connections.
type SubscriptionStart struct {
	ID            string
	OperationName string
	Field         string
}

// SubscriptionEvent is emitted for every result sent to the client.
type SubscriptionEvent struct {
	ID         string
	ErrorCount int
}

// SubscriptionFinish is emitted when a subscription ends for any reason.
// Err is set when the stream failed.
type SubscriptionFinish struct {
	ID       string
	Events   int
	Err      error
	Duration time.Duration
}

// Published is emitted after a payload has been handed to the broker.
type Published struct {
	Topic    string
	Size     int
	Err      error
	Duration time.Duration
}
