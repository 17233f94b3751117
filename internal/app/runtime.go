package app

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

const testModeEnv = "LICENSING_TEST_MODE"

var (
	testMode     atomic.Bool
	testModeOnce sync.Once
)

func loadTestMode() {
	enabled, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	testMode.Store(enabled)
}

// InTestMode reports whether binaries should skip connecting to external
// services. It is controlled by LICENSING_TEST_MODE.
func InTestMode() bool {
	testModeOnce.Do(loadTestMode)
	return testMode.Load()
}

// RefreshTestMode re-reads LICENSING_TEST_MODE after the environment changed.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	loadTestMode()
}
