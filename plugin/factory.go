package plugin

// Factory builds the instances of one plugin implementation.
//
// Lifecycle methods:
//   - Setup: create an instance from its configuration section
//   - Destroy: release the resources of an instance
//   - Reload: apply a changed section in place, an error asks for a rebuild
//   - CanDelete: report whether an instance may be destroyed right now
//
// Factories are registered from init functions and must be safe for
// concurrent use.
type Factory interface {
	// Type returns the plugin type, e.g. "db".
	Type() Type

	// Name returns the factory name, e.g. "mysql".
	Name() string

	Setup(v map[string]any) (Plugin, error)

	Destroy(Plugin) error

	Reload(Plugin, map[string]any) error

	CanDelete(Plugin) bool
}
