// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/smqterm/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionStore = (*SessionStore)(nil)
var _ types.EventStore = (*EventStore)(nil)
var _ types.ResultStore = (*ResultStore)(nil)
var _ types.ScenarioStore = (*ScenarioStore)(nil)
