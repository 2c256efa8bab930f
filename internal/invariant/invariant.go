// Package invariant reports broken internal invariants. Builds tagged
// "debug" panic on the first violation; release builds log the violation
// and let the caller continue on its degraded path.
package invariant

import "fmt"

// Check reports a violation when cond is false.
func Check(cond bool, format string, args ...any) bool {
	if cond {
		return true
	}
	violate(fmt.Sprintf(format, args...))
	return false
}
