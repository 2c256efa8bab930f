//go:build !debug

package invariant

import "github.com/lcx/worldcore/log"

// Debug reports whether violations panic.
const Debug = false

func violate(msg string) {
	log.Error().Str("invariant", msg).Msg("invariant violated")
}
