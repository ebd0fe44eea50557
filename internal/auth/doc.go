// Package auth guards the management API with static bearer API keys. Each
// key carries permissions of the form "<area>:read" or "<area>:write", where
// the area is the first path segment after /api/v1/.
package auth
