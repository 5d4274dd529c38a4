package pmpool

import (
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// LiveRange is one byte extent a caller has determined is still live
// (reachable), supplied by cmap.Defragment and radix's garbage
// collector when they want a compacted export of the pool.
type LiveRange struct {
	Off  int64
	Size int64
}

// SnapshotCompact writes a compressed export of exactly the supplied
// live ranges to w: this is the concrete "hand the live set to the
// pool manager's defragmentation facility" sink spec §4.2.9 describes.
// It does not mutate the pool; compaction of the live arena itself is
// the container's job (it knows how to re-link pointers), this is
// purely a durable, space-reduced snapshot of current contents.
func (p *Pool) SnapshotCompact(w io.Writer, live []LiveRange) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "pmpool: new zstd writer")
	}
	defer enc.Close()

	data := p.data.Bytes()
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(live)))
	if _, err := enc.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "pmpool: write compact header")
	}
	for _, r := range live {
		var rec [16]byte
		binary.BigEndian.PutUint64(rec[0:8], uint64(r.Off))
		binary.BigEndian.PutUint64(rec[8:16], uint64(r.Size))
		if _, err := enc.Write(rec[:]); err != nil {
			return errors.Wrap(err, "pmpool: write compact record header")
		}
		if r.Off < 0 || r.Off+r.Size > int64(len(data)) {
			return errors.WithStack(ErrOutOfRange)
		}
		if _, err := enc.Write(data[r.Off : r.Off+r.Size]); err != nil {
			return errors.Wrap(err, "pmpool: write compact payload")
		}
	}
	return nil
}
