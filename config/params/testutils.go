package params

import "testing"

// SetupTestConfigCleanup preserves the active config, allowing tests to
// modify it freely. The previous config is restored when the test ends.
func SetupTestConfigCleanup(t testing.TB) {
	prev := TowerConfig().Copy()
	t.Cleanup(func() {
		OverrideTowerConfig(prev)
	})
}
