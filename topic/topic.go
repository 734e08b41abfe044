// Package topic is the pure mapping from (session, request?, direction)
// tuples to broker subject strings. Session and request ids each fill
// one subject segment, so for ids without a "." every constructor here
// is injective in its parameters. The "bg" infix, together with the
// escaping in requestSegment, keeps session-scoped subjects from ever
// colliding with request-scoped ones.
package topic

import (
	"fmt"
	"strings"
)

// requestSegment returns requestID as a subject segment. An id that is
// "bg" preceded only by underscores gains one more leading underscore,
// so no request-scoped subject equals a "bg" one and distinct ids stay
// distinct.
func requestSegment(requestID string) string {
	if strings.TrimLeft(requestID, "_") == "bg" {
		return "_" + requestID
	}
	return requestID
}

// RequestInbound names the subject a client request for requestID in
// session is delivered on, addressed to the server.
func RequestInbound(session, requestID string) string {
	return fmt.Sprintf("mcp.%s.%s.inbound", session, requestSegment(requestID))
}

// RequestOutbound names the subject the response to requestID in
// session is published on, addressed to the client.
func RequestOutbound(session, requestID string) string {
	return fmt.Sprintf("mcp.%s.%s.outbound", session, requestSegment(requestID))
}

// BackgroundOutbound names the subject server-initiated notifications
// not tied to a particular client request are published on, addressed
// to the client.
func BackgroundOutbound(session string) string {
	return fmt.Sprintf("mcp.%s.bg.outbound", session)
}

// BackgroundInbound names the subject server-initiated requests are
// published on, addressed to the client.
func BackgroundInbound(session string) string {
	return fmt.Sprintf("mcp.%s.bg.inbound", session)
}

// SessionWildcard names the pattern matching every subject belonging to
// session, regardless of direction or request. Intended for debugging
// and admin tooling, not for production dispatch.
func SessionWildcard(session string) string {
	return fmt.Sprintf("mcp.%s.>", session)
}
