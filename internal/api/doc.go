// Package api exposes the REST management surface of the coordination
// platform: agent registration and trust updates, capability discovery,
// workflow creation and execution, and access to the decision audit trail.
// Routes live under /api/v1/ and are guarded by the auth middleware; /healthz
// and /metrics are served unauthenticated.
package api
