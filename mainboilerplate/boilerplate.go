// Package mainboilerplate contains shared boilerplate of sqlsnap programs:
// logging, configuration parsing, and diagnostics. It provides narrowly
// scoped functions, so callers needn't buy into an all-or-nothing approach.
package mainboilerplate

// Version and BuildDate are populated at build time, via -ldflags -X.
var (
	Version   = "development"
	BuildDate = "unknown"
)
