// Package agent defines the contract for invoking external capability
// providers and an in-process router that binds agent ids to handlers.
package agent
