package mount

import "path/filepath"

// backingPath translates a caller-visible logical path (always beginning
// with "/") into an absolute path beneath root. filepath.Clean on an
// absolute path can never climb above "/", so a logical path containing
// ".." components cannot escape root — this is the same translatePath
// approach used by overlay filesystems of this shape.
func backingPath(root, logical string) string {
	return filepath.Join(root, filepath.Clean(logical))
}
