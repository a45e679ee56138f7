// Package cache owns the named, versioned partitions the offline layer serves
// from. A partition maps a GET request identity (method + URL) to an immutable
// response snapshot; later writes for the same key replace the snapshot.
// Partition names carry a generation tag so activation can purge every
// partition that does not belong to the current generation. Two backends are
// provided: a disk store (one directory per partition, temp file + rename per
// entry) and an in-process memory store with identical semantics.
package cache
