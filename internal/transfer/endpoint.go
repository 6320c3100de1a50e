package transfer

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	"github.com/projectdiscovery/gologger"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/Jacob10383/printerup/internal/session"
)

// File is a destination file being written by one copy attempt.
type File interface {
	io.WriteCloser

	// Sync forces written data to durable storage so the size reported
	// afterwards can be trusted.
	Sync() error
}

// Endpoint is one side of a copy: the controller's local filesystem or
// the device's filesystem over SFTP.
type Endpoint interface {
	Stat(path string) (fs.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (File, error)
	MkdirAll(dir string) error
	Rename(oldpath, newpath string) error
	Remove(path string) error
	Chmod(path string, mode fs.FileMode) error
	ReadDir(dir string) ([]fs.FileInfo, error)

	// Dir returns the parent directory of a path in this endpoint's
	// path convention.
	Dir(path string) string

	// Free reports available bytes under dir. ok is false when the
	// endpoint cannot report capacity.
	Free(dir string) (avail int64, ok bool)

	// Close releases resources held by the endpoint view.
	Close() error
}

// Opener hands out a fresh remote endpoint bound to the live session.
// A new view is opened per copy attempt and closed afterwards.
type Opener interface {
	OpenEndpoint(ctx context.Context) (Endpoint, error)
}

// localEndpoint is the controller's own filesystem.
type localEndpoint struct{}

func (localEndpoint) Stat(p string) (fs.FileInfo, error)     { return os.Stat(p) }
func (localEndpoint) MkdirAll(dir string) error              { return os.MkdirAll(dir, 0o755) }
func (localEndpoint) Rename(oldp, newp string) error         { return os.Rename(oldp, newp) }
func (localEndpoint) Remove(p string) error                  { return os.Remove(p) }
func (localEndpoint) Chmod(p string, m fs.FileMode) error    { return os.Chmod(p, m) }
func (localEndpoint) Dir(p string) string                    { return filepath.Dir(p) }
func (localEndpoint) Close() error                           { return nil }

func (localEndpoint) Open(p string) (io.ReadCloser, error) { return os.Open(p) }

func (localEndpoint) Create(p string) (File, error) { return os.Create(p) }

func (localEndpoint) ReadDir(dir string) ([]fs.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	infos := make([]fs.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (localEndpoint) Free(dir string) (int64, bool) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, false
	}
	return int64(usage.Free), true
}

// sftpEndpoint is the device filesystem viewed over one SFTP session.
type sftpEndpoint struct {
	c *sftp.Client
}

func (e *sftpEndpoint) Stat(p string) (fs.FileInfo, error)  { return e.c.Stat(p) }
func (e *sftpEndpoint) MkdirAll(dir string) error           { return e.c.MkdirAll(dir) }
func (e *sftpEndpoint) Remove(p string) error               { return e.c.Remove(p) }
func (e *sftpEndpoint) Chmod(p string, m fs.FileMode) error { return e.c.Chmod(p, m) }
func (e *sftpEndpoint) Dir(p string) string                 { return path.Dir(p) }
func (e *sftpEndpoint) Close() error                        { return e.c.Close() }

func (e *sftpEndpoint) Open(p string) (io.ReadCloser, error) { return e.c.Open(p) }

func (e *sftpEndpoint) Create(p string) (File, error) {
	f, err := e.c.Create(p)
	if err != nil {
		return nil, err
	}
	return &sftpFile{f: f}, nil
}

func (e *sftpEndpoint) ReadDir(dir string) ([]fs.FileInfo, error) {
	return e.c.ReadDir(dir)
}

func (e *sftpEndpoint) Rename(oldp, newp string) error {
	// POSIX rename overwrites atomically; fall back for servers without
	// the extension.
	if err := e.c.PosixRename(oldp, newp); err != nil {
		_ = e.c.Remove(newp)
		return e.c.Rename(oldp, newp)
	}
	return nil
}

// Free is unsupported over SFTP; capacity checks apply to local
// destinations only.
func (e *sftpEndpoint) Free(string) (int64, bool) { return 0, false }

// sftpFile tolerates servers without the fsync extension; verification
// still compares sizes after close.
type sftpFile struct {
	f *sftp.File
}

func (f *sftpFile) Write(p []byte) (int, error) { return f.f.Write(p) }
func (f *sftpFile) Close() error                { return f.f.Close() }

func (f *sftpFile) Sync() error {
	if err := f.f.Sync(); err != nil {
		gologger.Debug().Msgf("sftp fsync not honoured: %v", err)
	}
	return nil
}

// SFTP opens device filesystem views over the managed session.
type SFTP struct {
	Sessions *session.Manager
}

// OpenEndpoint borrows the live connection and opens a fresh SFTP
// session on it.
func (s SFTP) OpenEndpoint(ctx context.Context) (Endpoint, error) {
	client, err := s.Sessions.Client(ctx)
	if err != nil {
		return nil, err
	}

	c, err := sftp.NewClient(client)
	if err != nil {
		return nil, &session.ConnectionError{Host: s.Sessions.Addr(), Err: err}
	}
	return &sftpEndpoint{c: c}, nil
}

// Ensure both endpoints satisfy the interface.
var (
	_ Endpoint = localEndpoint{}
	_ Endpoint = (*sftpEndpoint)(nil)
	_ Opener   = SFTP{}
)
