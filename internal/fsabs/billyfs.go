package fsabs

import (
	"io"
	"os"
	"path/filepath"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// billyFilesystem adapts a billy.Filesystem to forge's smaller
// Filesystem contract. ReadFile, WriteFile and RimRaf go through
// billy's own util helpers; CopyFile and Realpath, which billy does not
// name directly, are built here from Open/Create and Join.
type billyFilesystem struct {
	fs billy.Filesystem
}

// OS returns a Filesystem rooted at root, backed by go-billy's osfs
// (the real disk).
func OS(root string) Filesystem {
	return &billyFilesystem{fs: osfs.New(root)}
}

// Memory returns an in-memory Filesystem backed by go-billy's memfs,
// used throughout forge's test suite as the injected collaborator
// instead of touching disk.
func Memory() Filesystem {
	return &billyFilesystem{fs: memfs.New()}
}

func (b *billyFilesystem) ReadFile(path string) ([]byte, error) {
	return util.ReadFile(b.fs, path)
}

func (b *billyFilesystem) WriteFile(path string, data []byte, perm os.FileMode) error {
	return util.WriteFile(b.fs, path, data, perm)
}

func (b *billyFilesystem) Stat(path string) (os.FileInfo, error) {
	return b.fs.Stat(path)
}

func (b *billyFilesystem) Exists(path string) bool {
	_, err := b.fs.Stat(path)
	return err == nil
}

func (b *billyFilesystem) ReadDir(path string) ([]os.FileInfo, error) {
	return b.fs.ReadDir(path)
}

func (b *billyFilesystem) MkdirAll(path string, perm os.FileMode) error {
	return b.fs.MkdirAll(path, perm)
}

func (b *billyFilesystem) Unlink(path string) error {
	return b.fs.Remove(path)
}

func (b *billyFilesystem) RimRaf(path string) error {
	return util.RemoveAll(b.fs, path)
}

func (b *billyFilesystem) CopyFile(src, dst string) error {
	in, err := b.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := b.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := b.fs.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (b *billyFilesystem) Realpath(path string) (string, error) {
	// billy abstracts away symlink targets on chrooted filesystems;
	// Join+Clean is the closest stable notion of "real path" that
	// works uniformly for both osfs and memfs.
	return filepath.Clean(b.fs.Join(b.fs.Root(), path)), nil
}

func (b *billyFilesystem) CreateReadStream(path string) (io.ReadCloser, error) {
	return b.fs.Open(path)
}

func (b *billyFilesystem) CreateWriteStream(path string) (io.WriteCloser, error) {
	if err := b.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return b.fs.Create(path)
}

func (b *billyFilesystem) Cwd() string {
	return b.fs.Root()
}

func (b *billyFilesystem) Join(elem ...string) string {
	return b.fs.Join(elem...)
}
