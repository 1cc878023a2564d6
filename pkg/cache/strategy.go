package cache

// RefreshStrategy selects how freshness of a cached record is determined.
// It is fixed when the cache is opened.
type RefreshStrategy int

const (
	// ByMetadataDate compares the remote's last-modified stamp against
	// the cached record's version on every hit; a mismatch triggers a
	// background refresh.
	ByMetadataDate RefreshStrategy = iota

	// CacheFirst trusts a local record unconditionally once present;
	// only a miss contacts the remote.
	CacheFirst
)

func (s RefreshStrategy) String() string {
	switch s {
	case ByMetadataDate:
		return "by-metadata-date"
	case CacheFirst:
		return "cache-first"
	default:
		return "unknown"
	}
}
