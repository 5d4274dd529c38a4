package pmpool

import (
	"os"

	"github.com/edsrzf/mmap-go"
)

// mmapArena adapts mmap.MMap to the mmapRegion interface so tests can
// substitute an in-memory fake without touching the filesystem.
type mmapArena struct {
	m mmap.MMap
}

func mapArena(f *os.File) (mmapRegion, error) {
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &mmapArena{m: m}, nil
}

func (a *mmapArena) Flush() error  { return a.m.Flush() }
func (a *mmapArena) Unmap() error  { return a.m.Unmap() }
func (a *mmapArena) Bytes() []byte { return a.m }
