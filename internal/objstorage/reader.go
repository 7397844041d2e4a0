package objstorage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/winery-storage/winery/internal/catalog"
	"github.com/winery-storage/winery/internal/pool"
	"github.com/winery-storage/winery/internal/rwshard"
	"github.com/winery-storage/winery/internal/shardfile"
	"github.com/winery-storage/winery/internal/throttler"
)

// Reader resolves objects through the signature index and reads them from
// whichever form of their shard is authoritative: the RW table while the
// shard is mutable, the RO file from packed onwards. Handles are cached per
// shard; RO files are immutable so their cached readers never go stale, and
// a cached RW handle is dropped as soon as the shard moves to the RO path.
type Reader struct {
	cat   *catalog.Catalog
	pool  pool.Pool
	throt *throttler.Throttler

	mu sync.Mutex
	ro map[string]*roHandle
	rw map[string]*rwshard.Shard
}

type roHandle struct {
	reader *shardfile.Reader
	handle pool.ReaderHandle
}

// NewReader returns a read facade.
func NewReader(opts Options) *Reader {
	return &Reader{
		cat:   opts.Catalog,
		pool:  opts.Pool,
		throt: opts.Throttler,
		ro:    make(map[string]*roHandle),
		rw:    make(map[string]*rwshard.Shard),
	}
}

func (r *Reader) roShard(ctx context.Context, name string) (*shardfile.Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.ro[name]; ok {
		return h.reader, nil
	}
	handle, err := r.pool.OpenRO(ctx, name)
	if err != nil {
		return nil, err
	}
	rd, err := shardfile.NewReader(handle)
	if err != nil {
		handle.Close()
		return nil, err
	}
	r.ro[name] = &roHandle{reader: rd, handle: handle}
	return rd, nil
}

func (r *Reader) rwShard(ctx context.Context, name string) (*rwshard.Shard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.rw[name]; ok {
		return s, nil
	}
	s, err := rwshard.Open(ctx, r.cat.DB(), name)
	if err != nil {
		return nil, err
	}
	r.rw[name] = s
	return s, nil
}

func (r *Reader) forgetRW(name string) {
	r.mu.Lock()
	delete(r.rw, name)
	r.mu.Unlock()
}

// resolve maps an object id to its holding shard, or ErrNotFound.
func (r *Reader) resolve(ctx context.Context, objID []byte) (*catalog.Shard, error) {
	entry, err := r.cat.Lookup(ctx, objID)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.State != catalog.SigPresent {
		return nil, fmt.Errorf("%w: %x", ErrNotFound, objID)
	}
	return r.cat.ShardInfo(ctx, entry.ShardID)
}

// Get returns the object's bytes.
func (r *Reader) Get(ctx context.Context, objID []byte) ([]byte, error) {
	shard, err := r.resolve(ctx, objID)
	if err != nil {
		return nil, err
	}
	if shard.State.ReadonlyAvailable() {
		r.forgetRW(shard.Name)
		return r.getRO(ctx, shard.Name, objID)
	}

	content, rwErr := r.getRW(ctx, shard.Name, objID)
	if rwErr == nil && content != nil {
		return content, nil
	}
	// The shard may have been packed and its table dropped between the
	// index lookup and the table read. The index is authoritative:
	// re-resolve once, the state only moves toward the RO path.
	shard, err = r.resolve(ctx, objID)
	if err != nil {
		return nil, err
	}
	if shard.State.ReadonlyAvailable() {
		r.forgetRW(shard.Name)
		return r.getRO(ctx, shard.Name, objID)
	}
	if rwErr != nil {
		return nil, rwErr
	}
	return nil, fmt.Errorf("%w: %x", ErrNotFound, objID)
}

func (r *Reader) getRO(ctx context.Context, name string, objID []byte) ([]byte, error) {
	rd, err := r.roShard(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.throt.ThrottledRead(ctx, func() ([]byte, error) {
		content, err := rd.Get(objID)
		if errors.Is(err, shardfile.ErrNotFound) {
			return nil, fmt.Errorf("%w: %x", ErrNotFound, objID)
		}
		return content, err
	})
}

func (r *Reader) getRW(ctx context.Context, name string, objID []byte) ([]byte, error) {
	rw, err := r.rwShard(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.throt.ThrottledRead(ctx, func() ([]byte, error) {
		return rw.Get(ctx, objID)
	})
}

// Contains reports whether the object is present. Inflight and deleted
// entries read as absent.
func (r *Reader) Contains(ctx context.Context, objID []byte) (bool, error) {
	entry, err := r.cat.Lookup(ctx, objID)
	if err != nil {
		return false, err
	}
	return entry != nil && entry.State == catalog.SigPresent, nil
}

// Iter streams every present object id. No order guarantee, not a snapshot.
func (r *Reader) Iter(ctx context.Context, fn func(objID []byte) error) error {
	return r.cat.IterSignatures(ctx, fn)
}

// Close releases cached RO-shard readers.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, h := range r.ro {
		if err := h.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.ro, name)
	}
	r.rw = make(map[string]*rwshard.Shard)
	return firstErr
}
