// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package filepool keeps a bounded set of image files open for positional
// reads, opening lazily and closing the least interesting descriptor when
// the pool is full.
package filepool

import (
	"fmt"
	"hash/maphash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	bufra "github.com/avvmoto/buf-readerat"
	"github.com/dgryski/go-tinylfu"
)

const (
	// Small reads (headers, BATs) dominate the open path; buffer them
	readBufferSize = 32 * 1024

	// DefaultCapacity is the default number of descriptors held open.
	DefaultCapacity = 64
)

var seed = maphash.MakeSeed()

// A Pool is safe for concurrent use by multiple goroutines.
type Pool struct {
	mu      sync.Mutex
	files   map[string]*pooledFile
	keep    *tinylfu.T[string, struct{}]
	log     *slog.Logger
	evicted []*pooledFile // set transiently by the OnEvict callback
	closed  bool
}

type pooledFile struct {
	name string
	f    *os.File
	r    io.ReaderAt // buffered view of f
	size int64

	rmu  sync.Mutex // one positional read at a time per file
	refs int        // readers currently outside the pool lock
	gone bool       // evicted; close when refs drops to 0
}

// New creates a pool holding at most capacity open files.
// Values below 16 are raised to 16. A nil logger discards diagnostics.
func New(capacity int, log *slog.Logger) *Pool {
	if capacity < 16 {
		capacity = 16
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pool{
		files: make(map[string]*pooledFile),
		log:   log,
	}
	p.keep = tinylfu.New[string, struct{}](capacity, capacity*10,
		func(k string) uint64 { return maphash.String(seed, k) },
		tinylfu.OnEvict(func(k string, _ struct{}) {
			if pf := p.files[k]; pf != nil {
				p.evicted = append(p.evicted, pf)
				delete(p.files, k)
			}
		}))
	return p
}

// ReadAt fills b from the named file starting at off.
// The file is opened on first use and kept for later calls.
func (p *Pool) ReadAt(name string, b []byte, off int64) (int, error) {
	pf, err := p.acquire(name)
	if err != nil {
		return 0, err
	}
	defer p.release(pf)

	pf.rmu.Lock()
	defer pf.rmu.Unlock()
	return pf.r.ReadAt(b, off)
}

// Size returns the byte size of the named file, opening it if necessary.
func (p *Pool) Size(name string) (int64, error) {
	pf, err := p.acquire(name)
	if err != nil {
		return 0, err
	}
	defer p.release(pf)
	return pf.size, nil
}

func (p *Pool) acquire(name string) (*pooledFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fs.ErrClosed
	}

	pf := p.files[name]
	if pf == nil {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		pf = &pooledFile{
			name: name,
			f:    f,
			r:    bufra.NewBufReaderAt(f, readBufferSize),
			size: st.Size(),
		}
		p.files[name] = pf
		p.log.Debug("opened image file", "path", name, "size", pf.size)
	}

	pf.refs++
	p.keep.Add(name, struct{}{}) // may set p.evicted via the callback
	for _, ex := range p.evicted {
		ex.gone = true
		if ex.refs == 0 {
			p.closeFile(ex)
		}
	}
	p.evicted = p.evicted[:0]
	return pf, nil
}

func (p *Pool) release(pf *pooledFile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pf.refs--
	if pf.gone && pf.refs == 0 {
		p.closeFile(pf)
	}
}

func (p *Pool) closeFile(pf *pooledFile) {
	if err := pf.f.Close(); err != nil {
		p.log.Warn("closing image file", "path", pf.name, "err", err)
	} else {
		p.log.Debug("closed image file", "path", pf.name)
	}
}

// CloseAll releases every descriptor. The pool is unusable afterwards.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	for name, pf := range p.files {
		if err := pf.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", name, err)
		}
	}
	p.files = nil
	return firstErr
}
