// Package registry is the authoritative store of agent identity, declared
// capabilities, trust level and metadata. It keeps a capability index that
// maps each capability to the agents offering it in registration order.
package registry
