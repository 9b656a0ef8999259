package ffshare

import "strings"

// IsLocalPath reports whether pathname is safe to use as a relative path on
// a worker or controller filesystem: not absolute, and with no ".."
// component anywhere in it. Enforced at parse time on the
// controller (for REMOTE/SOURCE/EXEC arguments) and again at handle time on
// the worker, as defence in depth.
func IsLocalPath(pathname string) bool {
	if pathname == "" {
		return false
	}
	if strings.HasPrefix(pathname, "/") {
		return false
	}
	for _, part := range strings.Split(pathname, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
