//go:build !unix

package disk

import "os"

// Without flock the store relies on a single tpcd per directory.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
