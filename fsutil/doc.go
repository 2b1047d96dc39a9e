// Package fsutil allocates vault image files and manages the filesystem
// living inside an open container: mkfs, mount, unmount and the mount
// table probe.
package fsutil
