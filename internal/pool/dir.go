package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// DirPool stores shard files as {base}/{pool}/{name} on a shared
// filesystem. Writes go to tmp/<unique>.partial and are renamed into place
// on Finalize, so a shard file is either absent or complete.
type DirPool struct {
	root string
}

// NewDirPool returns a DirPool rooted at base/poolName.
func NewDirPool(base, poolName string) (*DirPool, error) {
	root := filepath.Join(base, poolName)
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("init pool dir: %w", err)
	}
	return &DirPool{root: root}, nil
}

func tmpName() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b) + ".partial"
}

type dirWriter struct {
	*os.File
	finalPath string
}

func (w *dirWriter) Finalize() error {
	if err := w.File.Sync(); err != nil {
		w.Abort()
		return err
	}
	tmpPath := w.File.Name()
	if err := w.File.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, w.finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func (w *dirWriter) Abort() error {
	w.File.Close()
	return os.Remove(w.File.Name())
}

// Create starts a new shard file. A shard file already visible under name is
// an aborted pack's leftover: the rename on Finalize overwrites it.
func (p *DirPool) Create(ctx context.Context, name string, size int64) (WriterHandle, error) {
	f, err := os.Create(filepath.Join(p.root, "tmp", tmpName()))
	if err != nil {
		return nil, err
	}
	return &dirWriter{File: f, finalPath: filepath.Join(p.root, name)}, nil
}

// OpenRO opens the finalized shard file. A missing file is ErrUnavailable:
// on a shared filesystem it may not have replicated to this host yet.
func (p *DirPool) OpenRO(ctx context.Context, name string) (ReaderHandle, error) {
	f, err := os.Open(filepath.Join(p.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, name)
		}
		return nil, err
	}
	return f, nil
}

// Delete removes the shard file. Deleting an absent file succeeds.
func (p *DirPool) Delete(ctx context.Context, name string) error {
	err := os.Remove(filepath.Join(p.root, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the names of all finalized shard files.
func (p *DirPool) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// HostMapped is always true for directory pools: every host sees every file.
func (p *DirPool) HostMapped(ctx context.Context, name string) (bool, error) {
	return true, nil
}
