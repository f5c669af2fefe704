package protocol

import "github.com/davkit/davkit/internal/storage"

// Request is the transport-agnostic shape every method handler consumes.
// internal/router builds one of these from an *http.Request; nothing
// in this package ever sees net/http.
type Request struct {
	Path    string
	Subject Subject
	Depth   storage.Depth
	Body    []byte

	IfMatch     string
	IfNoneMatch string

	// Overwrite is the parsed T/F value of the Overwrite header (COPY/MOVE);
	// true when the header is absent, per RFC 4918 §10.6's "T" default.
	Overwrite bool

	// Destination is the URL path of the Destination header (COPY/MOVE),
	// basePath included; handlers resolve it with ParseLocator like Path.
	Destination string
}

// Response is a transport-agnostic result: a status, header values the
// caller should set verbatim, and a body. Multi-status bodies are already
// rendered XML (via internal/webdavxml.Render) by the time they reach here.
type Response struct {
	Status  StatusCode
	Headers map[string]string
	Body    []byte
}

func textResponse(status StatusCode) *Response {
	return &Response{Status: status, Headers: map[string]string{}}
}

func withHeader(r *Response, key, value string) *Response {
	r.Headers[key] = value
	return r
}
