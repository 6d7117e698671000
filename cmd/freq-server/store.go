// store.go implements the sharded in-memory key-value store that holds
// serialized sketches, plus its binary snapshot format.
//
// The store is decoupled from the filesystem: snapshots stream to any
// io.Writer and load from any buffered io.Reader, which keeps the logic
// testable against in-memory buffers.
//
// Sharding
// ========
//
// Keys are spread over 256 independent shards, each guarded by its own
// RWMutex, so concurrent commands on different keys rarely contend. The
// shard index is xxhash(key) mod 256.
//
// Snapshot Format (FRQ1)
// ======================
//
//	+--------+-----------+-----------+     +-----+----------+
//	| Header | Shard 0   | Shard 1   | ... | EOF | Checksum |
//	+--------+-----------+-----------+     +-----+----------+
//	 4 bytes   variable    variable         1 B    8 bytes
//
// Each non-empty shard is one block:
//
//	OpCode(1B=0xFE) ShardID(1B) Count(4B) then Count × [KLen(4B) Key VLen(4B) Value]
//
// A 0xFF byte terminates the data section, followed by a CRC64 (ISO) over
// everything before it. Storing the shard ID lets the loader insert directly
// into the destination shard without rehashing keys.
package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const snapshotMagic = "FRQ1"

const shardCount = 256

// Opcodes marking sections of the snapshot stream.
const (
	opCodeShardData = 0xFE
	opCodeEOF       = 0xFF
)

var (
	errSnapshotHeader   = errors.New("invalid snapshot header")
	errSnapshotChecksum = errors.New("snapshot corruption: checksum mismatch")
)

// Shard is one slice of the store with its own lock.
type Shard struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// Store routes keys to shards.
type Store struct {
	shards [shardCount]*Shard
}

// NewStore creates and initializes the sharded store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &Shard{data: make(map[string][]byte)}
	}
	return s
}

func (s *Store) getShard(key string) *Shard {
	return s.shards[xxhash.Sum64String(key)%shardCount]
}

// Get retrieves a value.
func (s *Store) Get(key string) ([]byte, bool) {
	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	val, ok := shard.data[key]
	return val, ok
}

// Set stores a value.
func (s *Store) Set(key string, value []byte) {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.data[key] = value
}

// Delete removes a key, reporting whether it existed.
func (s *Store) Delete(key string) bool {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	_, ok := shard.data[key]
	if ok {
		delete(shard.data, key)
	}
	return ok
}

// Exists reports whether a key is present.
func (s *Store) Exists(key string) bool {
	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	_, ok := shard.data[key]
	return ok
}

// View runs a read-only callback under the shard's read lock. The callback
// receives nil if the key doesn't exist and must not retain the slice.
func (s *Store) View(key string, fn func(data []byte) error) error {
	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return fn(shard.data[key])
}

// Mutate atomically reads, modifies, and updates a value. The callback gets
// the current value (nil if absent) and returns the replacement plus whether
// to commit it; returning false aborts the write, e.g. on a type mismatch.
// Holding the shard lock for the whole read-modify-write prevents lost
// updates between concurrent commands on the same key.
func (s *Store) Mutate(key string, fn func([]byte) ([]byte, bool)) {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	newValue, commit := fn(shard.data[key])
	if commit {
		shard.data[key] = newValue
	}
}

// Keys returns the total number of stored keys.
func (s *Store) Keys() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		n += len(shard.data)
		shard.mu.RUnlock()
	}
	return n
}

// SaveSnapshotToWriter streams the whole store in the FRQ1 format.
//
// Shards are copied to a RAM buffer under a brief read lock and written out
// after the lock is released, so a slow disk never blocks more than the
// shard currently being copied. The output passes through a MultiWriter
// feeding the CRC64 hasher, avoiding a second pass for the checksum.
func (s *Store) SaveSnapshotToWriter(w io.Writer) error {
	hasher := crc64.New(crc64.MakeTable(crc64.ISO))
	bw := bufio.NewWriter(io.MultiWriter(w, hasher))

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}

	shardBuf := new(bytes.Buffer)
	lenBuf := make([]byte, 4)

	for i := 0; i < shardCount; i++ {
		shard := s.shards[i]

		shard.mu.RLock()
		if len(shard.data) == 0 {
			shard.mu.RUnlock()
			continue
		}

		shardBuf.Reset()
		shardBuf.WriteByte(opCodeShardData)
		shardBuf.WriteByte(byte(i))
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(shard.data)))
		shardBuf.Write(lenBuf)

		for k, v := range shard.data {
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(k)))
			shardBuf.Write(lenBuf)
			shardBuf.WriteString(k)
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(v)))
			shardBuf.Write(lenBuf)
			shardBuf.Write(v)
		}
		shard.mu.RUnlock()

		if _, err := shardBuf.WriteTo(bw); err != nil {
			return err
		}
	}

	if err := bw.WriteByte(opCodeEOF); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	// The checksum goes straight to the destination; it must not hash itself.
	return binary.Write(w, binary.LittleEndian, hasher.Sum64())
}

// LoadSnapshotFromReader restores the store from an FRQ1 stream, verifying
// the checksum as it reads. Shard IDs recorded in the stream are trusted for
// direct placement; a corrupted ID is caught by the checksum at the end.
func (s *Store) LoadSnapshotFromReader(r *bufio.Reader) error {
	header := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	if string(header) != snapshotMagic {
		return errSnapshotHeader
	}

	hasher := crc64.New(crc64.MakeTable(crc64.ISO))
	hasher.Write(header)

	lenBuf := make([]byte, 4)
	scratch := make([]byte, 256)

	for {
		opcode, err := r.ReadByte()
		if err != nil {
			return err
		}
		hasher.Write([]byte{opcode})

		if opcode == opCodeEOF {
			break
		}
		if opcode != opCodeShardData {
			return fmt.Errorf("snapshot stream corruption: unexpected opcode %x", opcode)
		}

		shardID, err := r.ReadByte()
		if err != nil {
			return err
		}
		hasher.Write([]byte{shardID})
		shard := s.shards[int(shardID)]

		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return err
		}
		hasher.Write(lenBuf)
		count := binary.LittleEndian.Uint32(lenBuf)

		for i := uint32(0); i < count; i++ {
			if _, err := io.ReadFull(r, lenBuf); err != nil {
				return err
			}
			hasher.Write(lenBuf)
			kLen := binary.LittleEndian.Uint32(lenBuf)

			if uint32(cap(scratch)) < kLen {
				scratch = make([]byte, kLen)
			}
			keySlice := scratch[:kLen]
			if _, err := io.ReadFull(r, keySlice); err != nil {
				return err
			}
			hasher.Write(keySlice)
			key := string(keySlice)

			if _, err := io.ReadFull(r, lenBuf); err != nil {
				return err
			}
			hasher.Write(lenBuf)
			vLen := binary.LittleEndian.Uint32(lenBuf)

			value := make([]byte, vLen)
			if _, err := io.ReadFull(r, value); err != nil {
				return err
			}
			hasher.Write(value)

			shard.data[key] = value
		}
	}

	stored := make([]byte, 8)
	if _, err := io.ReadFull(r, stored); err != nil {
		return err
	}
	if binary.LittleEndian.Uint64(stored) != hasher.Sum64() {
		return errSnapshotChecksum
	}
	return nil
}
