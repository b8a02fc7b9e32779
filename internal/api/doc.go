// Package api implements the HTTP status and control API of the FeeServer.
//
// This package provides:
//   - Read-only endpoints for server status, channels, devices and messages
//   - A command endpoint that injects raw commands exactly like the
//     transport command channel, guarded by a JWT bearer token
//   - A WebSocket hub streaming channel updates and messages
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Security
//
// Every route except health is read-only. POST /api/v1/commands requires
// a HS256 token signed with the configured secret; without a secret the
// endpoint is disabled. WebSocket connections authenticate with
// single-use tickets obtained with the same token.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
