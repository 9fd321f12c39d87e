// Package session owns the client/server session policy shared by the
// connection manager and the reference server.
//
// Ownership boundary:
// - hello/hello-ack handshake messages
// - reliability config, retry/backoff and call outbox primitives
// - transport security policy (ws vs wss, TLS material)
package session
