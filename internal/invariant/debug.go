//go:build debug

package invariant

// Debug reports whether violations panic.
const Debug = true

func violate(msg string) {
	panic("invariant violated: " + msg)
}
