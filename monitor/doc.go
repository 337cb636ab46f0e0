// Package monitor serves a read-only view of the system over HTTP.
//
// Routes:
//
//	GET /workflows        every known workflow status
//	GET /workflows/{id}   one workflow status
//	GET /metrics          bus counters, active workflows, agents online
//	GET /agents           heartbeat liveness table
//	GET /ws               websocket feed of STATE_UPDATE and EVENT messages
//
// Feed clients receive each message in its JSON wire form. A client may
// restrict the feed to one workflow with the workflow_id query parameter
// or by sending {"workflow_id": "..."} at any time. Messages unrelated to
// a workflow are always delivered. Clients that cannot keep up are
// disconnected rather than slowing the bus.
package monitor
