// Package detector defines the contract shared by the detection
// families. Each detector owns its state machine, subscribes to the
// feeds it needs, and emits immutable event snapshots.
package detector

import (
	"context"

	"github.com/sawpanic/driftline/internal/domain"
)

// Emit delivers a detector event downstream. Implementations must not
// block; the engine backs its sink with a buffered channel.
type Emit func(domain.Event)

// Detector is one detection family. Start registers cadences and feed
// subscriptions; Stop tears them down and drains in-flight work. Prior
// emissions are never retracted.
type Detector interface {
	Name() string
	Start(ctx context.Context)
	Stop()
}
