package events

import "time"

// Transports a GraphQL operation can arrive on.
const (
	TransportHTTP      = "http"
	TransportWebsocket = "ws"
)

// GraphQLStart is emitted before a query or mutation executes. ID is the
// graphql-transport-ws message id and empty over HTTP.
type GraphQLStart struct {
	ID            string
	Transport     string
	OperationName string
	OperationType string
	Query         string
}

type GraphQLFinish struct {
	ID            string
	Transport     string
	OperationName string
	OperationType string
	Errors        []error
	Duration      time.Duration
}
