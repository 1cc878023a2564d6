package cache

import (
	"fmt"
	"strings"
)

// gsScheme prefixes URIs that carry their own bucket.
const gsScheme = "gs://"

// SplitURI resolves a cache URI into a (bucket, remotePath) pair.
// URIs of the form gs://bucket/path name their bucket explicitly;
// plain paths take the bucket from bucketHint.
func SplitURI(uri, bucketHint string) (bucket, remotePath string, err error) {
	if uri == "" {
		return "", "", fmt.Errorf("empty uri")
	}
	if strings.HasPrefix(uri, gsScheme) {
		rest := strings.TrimPrefix(uri, gsScheme)
		b, p, ok := strings.Cut(rest, "/")
		if !ok || b == "" || p == "" {
			return "", "", fmt.Errorf("malformed uri: %s", uri)
		}
		return b, p, nil
	}
	if bucketHint == "" {
		return "", "", fmt.Errorf("no bucket for uri: %s", uri)
	}
	return bucketHint, uri, nil
}
