// Package ws streams ranking snapshots to WebSocket clients.
//
// New(db, heartbeat) subscribes a Hub to db's change events. Hub.Run pushes
// a snapshot shortly after each burst of changes and at least once per
// heartbeat, and disconnects every client when its context ends.
// Hub.ServeHTTP upgrades a request and sends the current snapshot at once.
//
// Message format sent to clients:
//
//	{
//	  "event":  "snapshot",
//	  "reason": "connect" | "change" | "heartbeat",
//	  "data":   { /* same schema as GET /api/v1/snapshot */ }
//	}
//
// The server mounts the hub at /ws/stream.
package ws
