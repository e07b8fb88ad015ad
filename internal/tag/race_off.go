//go:build !race

package tag

// Race is true when the binary was built with -race.
const Race = false
