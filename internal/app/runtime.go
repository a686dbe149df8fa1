package app

import (
	"os"
	"sync"
	"sync/atomic"
)

// TestModeEnv names the variable that disables runtime side effects.
const TestModeEnv = "VAULT_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	testModeFlag.Store(os.Getenv(TestModeEnv) == "1")
}

// InTestMode reports whether binaries should skip listeners, pools and
// workers. The environment is read once.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode re-reads the environment after it changed.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	detectTestMode()
}
