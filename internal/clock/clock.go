// Package clock abstracts time so scheduler recovery behaviour is testable.
package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewSystemClock returns the real clock.
func NewSystemClock() Clock { return systemClock{} }

// Module provides the system clock.
var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
