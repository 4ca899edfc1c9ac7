package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall time so window math and breaker cooldowns are
// testable with a fake.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func New() Clock { return realClock{} }

var Module = fx.Module("clock",
	fx.Provide(New),
)
