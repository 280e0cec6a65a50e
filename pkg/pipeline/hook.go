package pipeline

import "context"

// ConfigHook brackets the steps that need configuration on disk.
//
// Prepare runs before the first step. Teardown runs once, either after the
// step flagged ReleasesConfig finishes or when the run ends, whichever comes
// first. Teardown must be a no-op when Prepare did not create anything.
type ConfigHook interface {
	Prepare(ctx context.Context) error
	Teardown(ctx context.Context) error
}
