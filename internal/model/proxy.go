// Package model defines shared types for the relay.
package model

// InboundRequest is the normalized request decoded from an invoker event.
//
// Query holds un-encoded key/value pairs that the relay encodes itself.
// When HasRawQuery is set, RawQuery is an already-encoded query string that is
// passed through verbatim and Query is ignored.
type InboundRequest struct {
	Path        string
	Query       map[string]string
	RawQuery    string
	HasRawQuery bool
}

// UpstreamResponse is the fully-read upstream reply for a single relay call.
type UpstreamResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// OutboundResponse is the invoker-facing response produced at the encoding boundary.
type OutboundResponse struct {
	StatusCode      int
	Headers         map[string]string
	Body            string
	IsBase64Encoded bool
}
