package blob

import (
	infraFS "prwpanel/internal/infra/blob/fs"
)

// NewFilesystem returns a filesystem blob store rooted at root.
func NewFilesystem(root string) (Store, error) {
	return infraFS.New(root)
}
