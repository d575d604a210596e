// Package guard forces SOLARIX_TEST_MODE for test binaries that import it.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("SOLARIX_TEST_MODE") == "" {
			_ = os.Setenv("SOLARIX_TEST_MODE", "1")
		}
		if os.Getenv("GOTENBERG_URL") == "" {
			_ = os.Setenv("GOTENBERG_URL", "http://127.0.0.1:0")
		}
	})
}
