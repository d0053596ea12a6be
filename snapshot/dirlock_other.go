//go:build !unix

package snapshot

import "os"

// Advisory locks aren't supported on this platform. The lock file is still
// created, but grants no cross-process exclusion.
func setFileLock(*os.File, bool) error { return nil }
