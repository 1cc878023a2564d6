package cache

import (
	"github.com/JErazo7/firebase-image-1/pkg/filestore"
	"github.com/JErazo7/firebase-image-1/pkg/metadata"
)

// Entry is the result of a lookup: the persisted record plus a transient
// handle for reading the cached bytes. Only the record is persisted.
type Entry struct {
	Record metadata.Record

	files *filestore.Store
	data  []byte // set only when this lookup's miss path fetched the bytes
}

// Bytes returns the cached content. A miss-path lookup serves the bytes
// it just fetched; otherwise the local file is read through the file
// store. ok=false means the record points at no, or a missing, local
// file — expected drift, not an error.
func (e *Entry) Bytes() ([]byte, bool, error) {
	if e.data != nil {
		return e.data, true, nil
	}
	if e.Record.LocalPath == "" {
		return nil, false, nil
	}
	return e.files.Read(e.Record.LocalPath)
}
