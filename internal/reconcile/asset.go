package reconcile

import (
	"net/url"
	"path"

	"genesync/pkg/domain"
)

// AssetKey derives the storage key of an asset from its URL: the basename of
// the URL path. It returns "" when no usable name can be derived.
func AssetKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// DecideAsset decides whether the cached asset must be replaced:
//
//  1. no asset reference: nothing to do;
//  2. the reference names a different file than currentPath: replace;
//  3. same file name but localSize differs from the remote size: replace.
//
// localSize must be 0 when the cached file is missing or unreadable.
func DecideAsset(ref *domain.AssetRef, currentPath string, localSize int64) *domain.AssetSyncAction {
	if ref == nil {
		return nil
	}
	key := AssetKey(ref.URL)
	if key == "" {
		return nil
	}
	if key != currentPath {
		return &domain.AssetSyncAction{
			SourceURL:  ref.URL,
			TargetPath: key,
			RemovePath: currentPath,
			Reason:     domain.AssetRenamed,
		}
	}
	if ref.RemoteSize != localSize {
		return &domain.AssetSyncAction{
			SourceURL:  ref.URL,
			TargetPath: key,
			RemovePath: currentPath,
			Reason:     domain.AssetSizeMismatch,
		}
	}
	return nil
}
