// Package streaminghttp implements the Streamable-HTTP transport: one
// HTTP endpoint multiplexing client-to-server POST, a server-initiated
// background GET stream, and session-terminating DELETE, with every
// message routed through a broker.Broker rather than held in local
// connection state. This is what lets an MCP deployment scale
// horizontally: the node that accepts a POST need not be the node a
// client's earlier GET landed on, because correlation lives in the
// broker's subjects (see the topic package), not in process memory.
//
// # Construction
//
//	h, err := streaminghttp.New(ctx, br, engine,
//	    streaminghttp.WithSessionStore(store),
//	    streaminghttp.WithEndpoint("/mcp"),
//	)
//	http.ListenAndServe(":8080", h)
//
// # Request flow
//
// A POST first resolves (or creates) a session, subscribes to the
// broker subject that will carry each request's response BEFORE
// delivering anything to the engine (violating this order can lose a
// fast response race), then waits on those subscriptions to assemble
// either a buffered JSON response or a streamed SSE one. A GET opens a
// long-lived subscription to the session's background subjects and
// forwards whatever the engine (on any node) publishes there.
//
// # Error handling
//
// Transport-level failures (bad JSON, unsupported Accept, missing
// session) map directly to HTTP status codes. Once a request reaches
// the protocol engine, its failures come back as JSON-RPC error
// envelopes, not HTTP errors.
package streaminghttp
