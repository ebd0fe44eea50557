// Package config loads the YAML configuration of the coordination daemon:
// capability naming rules, trust defaults, discovery cache expiry, workflow
// dispatch drivers and audit storage backends.
package config
