// Package guard switches the process into test mode when imported, so
// binaries exercised from tests skip network listeners and external stores.
package guard

import (
	"os"
	"sync"
)

const testModeEnv = "VAULT_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(testModeEnv) == "" {
			_ = os.Setenv(testModeEnv, "1")
		}
		if os.Getenv("VAULT_ASSET_URL") != "" {
			_ = os.Unsetenv("VAULT_ASSET_URL")
		}
	})
}
