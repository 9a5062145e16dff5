package store

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Sorted sets keep two nested buckets per set: member → encoded score, and
// a composite (score ‖ member) index whose key order gives range scans.

// ZEntry is one member of a sorted set with its score.
type ZEntry struct {
	Score  int64
	Member string
}

func (t *Tx) setBucket(root []byte, set string, create bool) (*bolt.Bucket, error) {
	parent := t.btx.Bucket(root)
	b := parent.Bucket([]byte(set))
	if b != nil || !create {
		return b, nil
	}
	b, err := parent.CreateBucket([]byte(set))
	if err != nil {
		return nil, fmt.Errorf("create set %s: %w", set, err)
	}
	return b, nil
}

// ZAdd inserts member with the given score, replacing any previous score.
func (t *Tx) ZAdd(set string, score int64, member string) error {
	members, err := t.setBucket(bucketSets, set, true)
	if err != nil {
		return err
	}
	idx, err := t.setBucket(bucketSetIdx, set, true)
	if err != nil {
		return err
	}
	if old := members.Get([]byte(member)); old != nil {
		if err := idx.Delete(compositeKey(decodeScore(old), member)); err != nil {
			return fmt.Errorf("rescore %s in %s: %w", member, set, err)
		}
	}
	if err := members.Put([]byte(member), encodeScore(score)); err != nil {
		return fmt.Errorf("zadd %s to %s: %w", member, set, err)
	}
	if err := idx.Put(compositeKey(score, member), []byte{}); err != nil {
		return fmt.Errorf("index %s in %s: %w", member, set, err)
	}
	return nil
}

// ZRem removes member. Returns false when the member was not in the set.
func (t *Tx) ZRem(set, member string) (bool, error) {
	members, err := t.setBucket(bucketSets, set, false)
	if err != nil || members == nil {
		return false, err
	}
	old := members.Get([]byte(member))
	if old == nil {
		return false, nil
	}
	if err := members.Delete([]byte(member)); err != nil {
		return false, fmt.Errorf("zrem %s from %s: %w", member, set, err)
	}
	idx, err := t.setBucket(bucketSetIdx, set, false)
	if err != nil {
		return false, err
	}
	if idx != nil {
		if err := idx.Delete(compositeKey(decodeScore(old), member)); err != nil {
			return false, fmt.Errorf("unindex %s from %s: %w", member, set, err)
		}
	}
	return true, nil
}

// ZScore returns member's score. The second return is false when the member
// is not in the set.
func (t *Tx) ZScore(set, member string) (int64, bool) {
	members, _ := t.setBucket(bucketSets, set, false)
	if members == nil {
		return 0, false
	}
	v := members.Get([]byte(member))
	if v == nil {
		return 0, false
	}
	return decodeScore(v), true
}

// ZRangeByScore returns every member with min ≤ score ≤ max, ordered by
// score then member.
func (t *Tx) ZRangeByScore(set string, min, max int64) []ZEntry {
	idx, _ := t.setBucket(bucketSetIdx, set, false)
	if idx == nil {
		return nil
	}
	var out []ZEntry
	c := idx.Cursor()
	for k, _ := c.Seek(compositeKey(min, "")); k != nil; k, _ = c.Next() {
		score := decodeScore(k[:8])
		if score > max {
			break
		}
		out = append(out, ZEntry{Score: score, Member: string(k[8:])})
	}
	return out
}

// ── key expiry ──────────────────────────────────────────────────────────────

// SetWithTTL writes key and records its expiry in the sweep index. The key
// stays readable until a sweep past the expiry removes it.
func (t *Tx) SetWithTTL(key string, value []byte, expiresAt time.Time) error {
	if err := t.Set(key, value); err != nil {
		return err
	}
	return t.ZAdd(ttlSet, expiresAt.UnixNano(), key)
}

// Touch moves key's expiry without rewriting its value. Returns false when
// the key does not exist.
func (t *Tx) Touch(key string, expiresAt time.Time) (bool, error) {
	if _, ok := t.Get(key); !ok {
		return false, nil
	}
	return true, t.ZAdd(ttlSet, expiresAt.UnixNano(), key)
}

// ExpiresAt returns key's recorded expiry. The second return is false when
// the key has no expiry.
func (t *Tx) ExpiresAt(key string) (time.Time, bool) {
	score, ok := t.ZScore(ttlSet, key)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, score), true
}

// Scores are sign-flipped so the big-endian byte order matches numeric
// order for negative values too.
const scoreFlip = uint64(1) << 63

func encodeScore(s int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(s)^scoreFlip)
	return k[:]
}

func decodeScore(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b[:8]) ^ scoreFlip)
}

func compositeKey(score int64, member string) []byte {
	k := make([]byte, 8+len(member))
	binary.BigEndian.PutUint64(k, uint64(score)^scoreFlip)
	copy(k[8:], member)
	return k
}
