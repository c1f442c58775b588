//go:build !linux

package tarcreate

import (
	"os"
	"time"
)

type statExtra struct {
	dev   uint64
	ino   uint64
	nlink uint64
	uid   int64
	gid   int64
	atime time.Time
	ctime time.Time
	rdev  uint64
	ok    bool
}

func sysStat(os.FileInfo) statExtra { return statExtra{} }

func devMajor(uint64) int64 { return 0 }
func devMinor(uint64) int64 { return 0 }
