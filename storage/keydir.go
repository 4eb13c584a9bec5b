package storage

import (
	"github.com/google/btree"

	"kvs/storage/wal"
)

const keyDirDegree = 32

type keyDirItem struct {
	key string
	ptr wal.Pointer
}

func lessKeyDirItem(a, b keyDirItem) bool {
	return a.key < b.key
}

// KeyDir maps every live key to the location of its latest Set record.
// Iteration is in key order.
type KeyDir struct {
	tree *btree.BTreeG[keyDirItem]
}

func NewKeyDir() *KeyDir {
	return &KeyDir{tree: btree.NewG(keyDirDegree, lessKeyDirItem)}
}

// Put stores ptr for key and returns the pointer it replaced, if any.
func (kd *KeyDir) Put(key string, ptr wal.Pointer) (wal.Pointer, bool) {
	old, replaced := kd.tree.ReplaceOrInsert(keyDirItem{key: key, ptr: ptr})
	return old.ptr, replaced
}

// Remove deletes key and returns the pointer it had, if it was present.
func (kd *KeyDir) Remove(key string) (wal.Pointer, bool) {
	old, ok := kd.tree.Delete(keyDirItem{key: key})
	return old.ptr, ok
}

func (kd *KeyDir) Get(key string) (wal.Pointer, bool) {
	item, ok := kd.tree.Get(keyDirItem{key: key})
	return item.ptr, ok
}

func (kd *KeyDir) Len() int {
	return kd.tree.Len()
}

// Ascend calls fn for every entry in key order until fn returns false.
func (kd *KeyDir) Ascend(fn func(key string, ptr wal.Pointer) bool) {
	kd.tree.Ascend(func(item keyDirItem) bool {
		return fn(item.key, item.ptr)
	})
}
