// Package app assembles the registry, discovery service, auditor,
// orchestrator, dispatch queue and management API from configuration.
package app
