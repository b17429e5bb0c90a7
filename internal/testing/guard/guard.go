// Package guard flips the process into test mode when imported for its side effect.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("BILLING_TEST_MODE") == "" {
			_ = os.Setenv("BILLING_TEST_MODE", "1")
		}
	})
}
