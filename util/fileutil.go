// Package util holds small host-filesystem helpers shared by the parts
// of sfs that need to create or probe a volume's backing file, as
// opposed to the fixed-block-size I/O sfs/device performs once a
// volume is open.
package util

import (
	"os"
	"path"
)

// CreateFileBySize creates (or truncates) fileName under filePath and
// sizes it to exactly size bytes, the way mkfs.Format lays down a fresh
// volume image before sfs/device ever opens it.
func CreateFileBySize(filePath string, fileName string, size int64) error {
	f, err := os.Create(path.Join(filePath, fileName))
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

// PathExists reports whether path names an existing file or directory.
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
