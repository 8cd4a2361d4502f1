//go:build !unix

package tail

import "os"

type fileID struct {
	Dev   uint64
	Inode uint64
}

// getFileID is unsupported here; sameFile falls back to os.SameFile.
func getFileID(os.FileInfo) (fileID, bool) {
	return fileID{}, false
}

// stillLinked cannot tell a moved file from a deleted one here.
func stillLinked(*os.File) bool {
	return false
}
