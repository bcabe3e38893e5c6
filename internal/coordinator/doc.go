// Package coordinator binds the worker registry, job scheduler, credential
// manager, artifact cache and websocket transport into the forge build
// coordinator.
//
// # Overview
//
// The coordinator is the control plane of a distributed build. Remote
// workers connect over a websocket, authenticate, and announce their
// capabilities. Clients submit builds through the HTTP API; the scheduler
// places their jobs on workers and the coordinator turns each placement into
// a JOB_REQUEST on the worker's connection.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                 COORDINATOR                  │
//	├──────────────────────────────────────────────┤
//	│  transport.Server ──► dispatch ──► registry  │
//	│        ▲                 │                   │
//	│        │                 ▼                   │
//	│   JOB_REQUEST ◄──── scheduler ◄── HTTP API   │
//	│                          │                   │
//	│                          ▼                   │
//	│                    artifact cache            │
//	│                                              │
//	│  maintenance: heartbeats, timeouts, queue,   │
//	│               expiry sweeps                  │
//	└──────────────────────────────────────────────┘
//
// # Worker Session
//
// Every connection walks the same sequence:
//
//  1. HELLO carries the worker's identity, capabilities and credentials
//  2. With challenge auth the coordinator replies AUTH_CHALLENGE and waits
//     for AUTH_RESPONSE
//  3. WELCOME assigns the worker id and heartbeat interval
//  4. HEARTBEAT and STATUS_UPDATE keep health current
//  5. JOB_REQUEST / JOB_ACCEPT / JOB_PROGRESS / JOB_COMPLETE carry work
//  6. GOODBYE, a dropped connection or missed heartbeats end the session
//
// Messages from a connection that has not completed the handshake are
// answered with ERROR not_registered. A failed authentication is answered
// with AUTH_FAILED and the connection is closed.
//
// When a session ends the scheduler reschedules the worker's jobs before
// the worker leaves the registry.
//
// # Concurrency
//
// Transport callbacks run on per-connection goroutines and the maintenance
// loop runs on its own. Each component guards its own state; the
// coordinator itself only locks its session table.
//
// Registry events may fire while the scheduler holds its lock, so the
// registry callbacks here only log. Scheduler events fire after the
// scheduler unlocks and may call back into it.
//
// # HTTP API
//
// See newAPI for the route table. With an auth method other than "none"
// every route except /health and /stats needs a bearer token carrying the
// route's permission.
//
// # See Also
//
//   - internal/protocol: message catalog and payloads
//   - internal/scheduler: queueing, retries and build sessions
//   - internal/agent: the worker side of the session
//   - cmd/coordinator: the forge-coordinator binary
package coordinator
