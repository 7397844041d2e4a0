package pool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// RBDPool stores each shard file in a Ceph RBD image named after the shard.
// Image creation and mapping shell out to the rbd CLI, optionally through
// sudo, matching how operators provision the kernel RBD driver.
type RBDPool struct {
	poolName     string
	dataPoolName string
	useSudo      bool
	mapOptions   string
	// Image features the running kernel's RBD driver cannot handle, to
	// disable right after create (e.g. object-map and fast-diff before
	// kernel 5.3).
	featuresUnsupported []string
	imageSize           int64
	createImages        bool
}

// RBDOptions configures an RBDPool.
type RBDOptions struct {
	PoolName            string
	DataPoolName        string
	UseSudo             bool
	MapOptions          string
	FeaturesUnsupported []string
	// ImageSize is the image size in bytes for new images; the packer
	// passes 2x the shard max size so a shard can never outgrow its
	// image.
	ImageSize int64
	// CreateImages false delegates image creation to an external
	// manager; Create then waits for the mapped device to appear.
	CreateImages bool
}

// NewRBDPool returns an RBDPool.
func NewRBDPool(opts RBDOptions) *RBDPool {
	if opts.PoolName == "" {
		opts.PoolName = "shards"
	}
	return &RBDPool{
		poolName:            opts.PoolName,
		dataPoolName:        opts.DataPoolName,
		useSudo:             opts.UseSudo,
		mapOptions:          opts.MapOptions,
		featuresUnsupported: opts.FeaturesUnsupported,
		imageSize:           opts.ImageSize,
		createImages:        opts.CreateImages,
	}
}

func (p *RBDPool) run(ctx context.Context, args ...string) (string, error) {
	if p.useSudo {
		args = append([]string{"rbd"}, args...)
		args = append([]string{"sudo"}, args...)
	} else {
		args = append([]string{"rbd"}, args...)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// DevicePath is where the kernel driver exposes a mapped image.
func (p *RBDPool) DevicePath(name string) string {
	return fmt.Sprintf("/dev/rbd/%s/%s", p.poolName, name)
}

func (p *RBDPool) imageSpec(name string) string {
	return p.poolName + "/" + name
}

// ImageCreate provisions an image sized for one shard and maps it
// read-write on this host.
func (p *RBDPool) ImageCreate(ctx context.Context, name string, size int64) error {
	mb := (size + (1 << 20) - 1) >> 20
	args := []string{"--pool", p.poolName, "create", fmt.Sprintf("--size=%d", mb)}
	if p.dataPoolName != "" {
		args = append(args, "--data-pool="+p.dataPoolName)
	}
	args = append(args, name)
	if _, err := p.run(ctx, args...); err != nil {
		return err
	}
	if len(p.featuresUnsupported) > 0 {
		args = append([]string{"feature", "disable", p.imageSpec(name)}, p.featuresUnsupported...)
		if _, err := p.run(ctx, args...); err != nil {
			return err
		}
	}
	return p.ImageMap(ctx, name, false)
}

// ImageMap maps the image on this host, read-only when ro is set.
func (p *RBDPool) ImageMap(ctx context.Context, name string, ro bool) error {
	args := []string{"--pool", p.poolName, "device", "map"}
	opts := p.mapOptions
	if ro {
		if opts != "" {
			opts += ","
		}
		opts += "ro"
	}
	if opts != "" {
		args = append(args, "-o", opts)
	}
	args = append(args, name)
	if _, err := p.run(ctx, args...); err != nil {
		return err
	}
	if !ro {
		// The packer runs unprivileged and writes to the device node.
		cmd := exec.CommandContext(ctx, "sudo", "chmod", "666", p.DevicePath(name))
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("chmod %s: %w: %s", p.DevicePath(name), err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

// ImageUnmap unmaps the image from this host. Unmapping an unmapped image
// succeeds.
func (p *RBDPool) ImageUnmap(ctx context.Context, name string) error {
	_, err := p.run(ctx, "--pool", p.poolName, "device", "unmap", p.imageSpec(name))
	if err != nil && strings.Contains(err.Error(), "not mapped") {
		return nil
	}
	return err
}

// ImageRemapRO flips the mapping from read-write to read-only.
func (p *RBDPool) ImageRemapRO(ctx context.Context, name string) error {
	if err := p.ImageUnmap(ctx, name); err != nil {
		return err
	}
	return p.ImageMap(ctx, name, true)
}

type rbdWriter struct {
	*os.File
}

func (w *rbdWriter) Finalize() error {
	if err := w.File.Sync(); err != nil {
		w.File.Close()
		return err
	}
	return w.File.Close()
}

func (w *rbdWriter) Abort() error {
	// The image keeps the partial bytes; a retried pack overwrites them
	// from offset zero and the header is only valid after Finalize.
	return w.File.Close()
}

// Create returns a writer on the shard's mapped device. When image creation
// is delegated, an unmapped device is ErrUnavailable and the caller retries
// until the external manager catches up.
func (p *RBDPool) Create(ctx context.Context, name string, size int64) (WriterHandle, error) {
	if p.createImages {
		if _, err := os.Stat(p.DevicePath(name)); os.IsNotExist(err) {
			if err := p.ImageCreate(ctx, name, p.createSize(size)); err != nil {
				return nil, err
			}
		}
	}
	f, err := os.OpenFile(p.DevicePath(name), os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: image %s not mapped", ErrUnavailable, name)
		}
		return nil, err
	}
	return &rbdWriter{File: f}, nil
}

func (p *RBDPool) createSize(size int64) int64 {
	if p.imageSize > 0 {
		return p.imageSize
	}
	return size
}

// OpenRO opens the shard's mapped device read-only. An unmapped device is
// ErrUnavailable until the image manager maps it on this host.
func (p *RBDPool) OpenRO(ctx context.Context, name string) (ReaderHandle, error) {
	f, err := os.Open(p.DevicePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: image %s not mapped", ErrUnavailable, name)
		}
		return nil, err
	}
	return f, nil
}

// Delete unmaps and removes the image.
func (p *RBDPool) Delete(ctx context.Context, name string) error {
	if err := p.ImageUnmap(ctx, name); err != nil {
		return err
	}
	_, err := p.run(ctx, "--pool", p.poolName, "rm", name)
	return err
}

// List returns all image names in the pool.
func (p *RBDPool) List(ctx context.Context) ([]string, error) {
	out, err := p.run(ctx, "--pool", p.poolName, "ls")
	if err != nil {
		if strings.Contains(err.Error(), "No such file or directory") {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// HostMapped reports whether the image's device node exists on this host.
func (p *RBDPool) HostMapped(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(p.DevicePath(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
