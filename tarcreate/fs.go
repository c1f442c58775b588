package tarcreate

import (
	"io"
	"os"
)

// Filesystem is the walker-facing seam: everything the packer needs
// from the host filesystem. The default implementation is backed by
// the os package; tests substitute fakes.
type Filesystem interface {
	Lstat(name string) (os.FileInfo, error)
	Readlink(name string) (string, error)
	Open(name string) (io.ReadCloser, error)
	ReadDir(name string) ([]os.DirEntry, error)
}

type osFS struct{}

func (osFS) Lstat(name string) (os.FileInfo, error) { return os.Lstat(name) }

func (osFS) Readlink(name string) (string, error) { return os.Readlink(name) }

func (osFS) Open(name string) (io.ReadCloser, error) { return os.Open(name) }

func (osFS) ReadDir(name string) ([]os.DirEntry, error) { return os.ReadDir(name) }
