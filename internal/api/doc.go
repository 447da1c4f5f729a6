// Package api hosts the client-facing HTTP surface: the WebSocket push
// endpoint that attaches clients to the broker, and the REST handlers that
// read download snapshots and stored search results.
//
// Handlers assume the middleware from internal/server has already applied
// request ids, logging, metrics, CORS and rate limiting.
package api
