package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

// ensureTestMode keeps binaries started from tests from dialing postgres and
// redis, and supplies a signing key so configuration loads.
func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("LICENSING_TEST_MODE", "1")
		if os.Getenv("JWT_SECRET") == "" {
			_ = os.Setenv("JWT_SECRET", "test-signing-key-0123456789abcdef")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
