package metrics

// Value represents a metric value as a float64.
type Value float64

// Dimension represents metric dimensions as key-value pairs, e.g. the
// network thread index or the reason a frame was rejected. Keys become
// prometheus label names.
type Dimension map[string]string
