package blob

import (
	"genesync/internal/infra/blob/fs"
)

// NewFilesystem returns a Store keeping assets as plain files in root.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}
