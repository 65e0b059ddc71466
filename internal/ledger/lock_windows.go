//go:build windows

package ledger

import "os"

// Cross-process locking is unavailable here; the in-process mutex still
// serializes writers that share a *Ledger.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
