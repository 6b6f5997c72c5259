// Package app wires the Rice server: configuration, backends, pipelines,
// transports, and the process lifecycle around them.
package app

import (
	"time"

	"github.com/ricelabs/rice/internal/appstate"
)

// State tracks process health shared across transports. It is an alias
// for appstate.State, which lives in its own package so transport
// packages can use it without importing the wiring package.
type State = appstate.State

// NewState creates process state with the given panic cool-down.
func NewState(panicCooldown time.Duration) *State {
	return appstate.NewState(panicCooldown)
}
