package core

import "time"

const storageKeyTimeFormat = "20060102150405"

// StorageKey derives the object key for filename: the UTC time formatted as
// YYYYMMDDHHMMSS, an underscore, then the filename. Identical filenames
// within the same second produce the same key.
func StorageKey(now time.Time, filename string) string {
	return now.UTC().Format(storageKeyTimeFormat) + "_" + filename
}
