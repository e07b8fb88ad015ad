//go:build release

package tag

// Debug is true unless the binary was built with the release tag; debug
// builds carry extra runtime invariant checks.
const Debug = false
