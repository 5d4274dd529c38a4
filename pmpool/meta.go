package pmpool

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	poolBucket     = []byte("pool")
	freelistBucket = []byte("freelist")
	rootsBucket    = []byte("roots")
)

const (
	keyUUID       = "uuid"
	keyCompat     = "compat"
	keyArenaSize  = "arena_size"
	keyBump       = "bump"
	keyOnInitSize = "on_init_size"
	keyValueSize  = "value_size"
)

// loadHeader loads a previously persisted header from the metadata
// store into p, reporting whether one existed. It checks no incompat
// bits: the pool metadata stores none, and the containers validate
// their own headers' Incompat with restart.Validate.
func (p *Pool) loadHeader() (bool, error) {
	found := false
	err := p.meta.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolBucket)
		if b == nil {
			return nil
		}
		uuidBytes := b.Get([]byte(keyUUID))
		if uuidBytes == nil {
			return nil
		}
		found = true
		id, perr := uuid.FromBytes(uuidBytes)
		if perr != nil {
			return perr
		}
		p.uuid = id
		p.compat = binary.BigEndian.Uint32(b.Get([]byte(keyCompat)))
		p.bump = int64(binary.BigEndian.Uint64(b.Get([]byte(keyBump))))
		p.onInitSize = int64(binary.BigEndian.Uint64(b.Get([]byte(keyOnInitSize))))
		p.valueSize = int64(binary.BigEndian.Uint64(b.Get([]byte(keyValueSize))))

		fb := tx.Bucket(freelistBucket)
		if fb != nil {
			c := fb.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if len(v) != 16 {
					continue
				}
				p.freelist = append(p.freelist, extent{
					Off:  int64(binary.BigEndian.Uint64(v[0:8])),
					Size: int64(binary.BigEndian.Uint64(v[8:16])),
				})
			}
		}
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "pmpool: load header")
	}
	return found, nil
}

func (p *Pool) arenaSizeFromMeta() int64 {
	var size int64
	_ = p.meta.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolBucket)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(keyArenaSize))
		if v == nil {
			return nil
		}
		size = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return size
}

// persistMeta writes the whole header and freelist back to the
// metadata store in one bbolt transaction (durable on return).
func (p *Pool) persistMeta() error {
	err := p.meta.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(poolBucket)
		if err != nil {
			return err
		}
		idBytes, err := p.uuid.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put([]byte(keyUUID), idBytes); err != nil {
			return err
		}
		putU32(b, keyCompat, p.compat)
		putU64(b, keyArenaSize, int64(len(p.data.Bytes())))
		putU64(b, keyBump, p.bump)
		putU64(b, keyOnInitSize, p.onInitSize)
		putU64(b, keyValueSize, p.valueSize)

		if err := tx.DeleteBucket(freelistBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		fb, err := tx.CreateBucket(freelistBucket)
		if err != nil {
			return err
		}
		for i, e := range p.freelist {
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], uint64(i))
			var val [16]byte
			binary.BigEndian.PutUint64(val[0:8], uint64(e.Off))
			binary.BigEndian.PutUint64(val[8:16], uint64(e.Size))
			if err := fb.Put(key[:], val[:]); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "pmpool: persist header")
}

func putU32(b *bolt.Bucket, key string, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_ = b.Put([]byte(key), buf[:])
}

func putU64(b *bolt.Bucket, key string, v int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_ = b.Put([]byte(key), buf[:])
}
