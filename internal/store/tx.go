package store

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Tx is one transaction over the store. Instances are only valid inside the
// Update or View closure that produced them.
type Tx struct {
	btx *bolt.Tx
}

// Get returns a copy of the value stored under key. The second return is
// false when the key is absent; absence is not an error.
func (t *Tx) Get(key string) ([]byte, bool) {
	v := t.btx.Bucket(bucketKV).Get([]byte(key))
	if v == nil {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Set writes value under key.
func (t *Tx) Set(key string, value []byte) error {
	if err := t.btx.Bucket(bucketKV).Put([]byte(key), value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key and any expiry marker recorded for it. Deleting an
// absent key is a no-op.
func (t *Tx) Delete(key string) error {
	if err := t.btx.Bucket(bucketKV).Delete([]byte(key)); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if _, err := t.ZRem(ttlSet, key); err != nil {
		return err
	}
	return nil
}

// Keys returns every key with the given prefix, in lexical order.
func (t *Tx) Keys(prefix string) []string {
	var keys []string
	c := t.btx.Bucket(bucketKV).Cursor()
	p := []byte(prefix)
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		keys = append(keys, string(k))
	}
	return keys
}

// ── lists ───────────────────────────────────────────────────────────────────

// Lists are nested buckets keyed by an append sequence, so iteration order
// is insertion order and the head of the cursor is the oldest entry.

func (t *Tx) listBucket(list string, create bool) (*bolt.Bucket, error) {
	root := t.btx.Bucket(bucketLists)
	b := root.Bucket([]byte(list))
	if b != nil || !create {
		return b, nil
	}
	b, err := root.CreateBucket([]byte(list))
	if err != nil {
		return nil, fmt.Errorf("create list %s: %w", list, err)
	}
	return b, nil
}

// ListAppend enqueues value and returns the new list length.
func (t *Tx) ListAppend(list string, value []byte) (int, error) {
	b, err := t.listBucket(list, true)
	if err != nil {
		return 0, err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("list %s sequence: %w", list, err)
	}
	if err := b.Put(seqKey(seq), value); err != nil {
		return 0, fmt.Errorf("append to %s: %w", list, err)
	}
	return countKeys(b), nil
}

// ListPop dequeues the oldest entry. The second return is false when the
// list is empty.
func (t *Tx) ListPop(list string) ([]byte, bool, error) {
	b, err := t.listBucket(list, false)
	if err != nil || b == nil {
		return nil, false, err
	}
	k, v := b.Cursor().First()
	if k == nil {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	if err := b.Delete(k); err != nil {
		return nil, false, fmt.Errorf("pop from %s: %w", list, err)
	}
	return out, true, nil
}

// ListMove dequeues the oldest entry of src and enqueues it onto dst in the
// same transaction. This is the primitive that makes claiming race-free: no
// two transactions can move the same entry.
func (t *Tx) ListMove(src, dst string) ([]byte, bool, error) {
	v, ok, err := t.ListPop(src)
	if err != nil || !ok {
		return nil, false, err
	}
	if _, err := t.ListAppend(dst, v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// ListRemove deletes the first entry equal to value. Returns false when no
// entry matches.
func (t *Tx) ListRemove(list string, value []byte) (bool, error) {
	b, err := t.listBucket(list, false)
	if err != nil || b == nil {
		return false, err
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if bytes.Equal(v, value) {
			if err := c.Delete(); err != nil {
				return false, fmt.Errorf("remove from %s: %w", list, err)
			}
			return true, nil
		}
	}
	return false, nil
}

// ListLen reports the number of entries in the list.
func (t *Tx) ListLen(list string) int {
	b, _ := t.listBucket(list, false)
	if b == nil {
		return 0
	}
	return countKeys(b)
}

// Lists returns the names of all lists with the given prefix, in lexical
// order. A list keeps its name once created, even after it drains.
func (t *Tx) Lists(prefix string) []string {
	var names []string
	c := t.btx.Bucket(bucketLists).Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if v == nil {
			names = append(names, string(k))
		}
	}
	return names
}

// ListRange returns copies of every entry, oldest first.
func (t *Tx) ListRange(list string) [][]byte {
	b, _ := t.listBucket(list, false)
	if b == nil {
		return nil
	}
	var out [][]byte
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		cp := make([]byte, len(v))
		copy(cp, v)
		out = append(out, cp)
	}
	return out
}

func seqKey(n uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], n)
	return k[:]
}

func countKeys(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}
