// Package server hosts the Fiber HTTP gateway that lets out-of-process
// requesters speak the download manager's wire protocol, plus the shared
// upstream http.Client used by every fetch handler.
//
// The gateway never touches dispatcher state directly: each blocking
// POST /-/requests call owns a client.Stub and waits for its terminal
// response, while raw wire messages are handed to the dispatcher unchanged.
// Diagnostic endpoints (cache snapshot, offline switch, metrics) live in the
// routes subpackage and are registered by main.
package server
