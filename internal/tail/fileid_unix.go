//go:build unix

package tail

import (
	"os"
	"syscall"
)

// fileID identifies a file independently of its path.
type fileID struct {
	Dev   uint64
	Inode uint64
}

func getFileID(info os.FileInfo) (fileID, bool) {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return fileID{Dev: uint64(stat.Dev), Inode: uint64(stat.Ino)}, true
	}
	return fileID{}, false
}

// stillLinked reports whether the open file still has a directory entry.
func stillLinked(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Nlink > 0
	}
	return false
}
