package dstore_client

import (
	"sync"
	"sync/atomic"

	"github.com/jimsnab/go-lane"
	"github.com/jimsnab/go-treestore"
)

const treeIndexAppVersion = 1

// Metadata attributes of an indexed element.
const (
	IndexAttrType   = "type"
	IndexAttrID     = "id"
	IndexAttrValue  = "value"
	IndexAttrSource = "source"
)

type (
	// TreeIndex mirrors the elements named in domain notifications into a
	// treestore, keyed by the element's name path. Register it as a domain
	// listener.
	TreeIndex struct {
		l     lane.Lane
		mu    sync.Mutex
		ts    *treestore.TreeStore
		dirty atomic.Int32
	}
)

func NewTreeIndex(l lane.Lane) *TreeIndex {
	return &TreeIndex{
		l:  l,
		ts: treestore.NewTreeStore(l.Derive(), treeIndexAppVersion),
	}
}

func (ti *TreeIndex) DomainChanged(ev *DomainEvent) {
	if ev.Parent == nil || ev.Parent.IsDeleted() {
		return
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()

	ti.recordUnlocked(ev.Parent, ev.Parent.Path())
	ti.dirty.Add(1)
}

func (ti *TreeIndex) recordUnlocked(elem *DataElement, path []string) {
	sk := treestore.MakeStoreKeyFromPath(treestore.TokenPath(KeyPath(path...)))
	ti.ts.SetKey(sk)
	ti.ts.SetMetadataAttribute(sk, IndexAttrType, elem.Type())
	ti.ts.SetMetadataAttribute(sk, IndexAttrID, elem.ID())
	ti.ts.SetMetadataAttribute(sk, IndexAttrValue, elem.Value())
	ti.ts.SetMetadataAttribute(sk, IndexAttrSource, elem.Source())

	if elem.IsReference() {
		return
	}
	for _, child := range elem.Children() {
		childPath := make([]string, len(path), len(path)+1)
		copy(childPath, path)
		ti.recordUnlocked(child, append(childPath, child.Name()))
	}
}

// Lookup returns the indexed attributes of the element at path.
func (ti *TreeIndex) Lookup(path ...string) (attributes map[string]string, found bool) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	sk := treestore.MakeStoreKeyFromPath(treestore.TokenPath(KeyPath(path...)))
	exists, id := ti.ts.GetMetadataAttribute(sk, IndexAttrID)
	if !exists {
		return
	}

	attributes = map[string]string{IndexAttrID: id}
	for _, attr := range []string{IndexAttrType, IndexAttrValue, IndexAttrSource} {
		if exists, value := ti.ts.GetMetadataAttribute(sk, attr); exists {
			attributes[attr] = value
		}
	}
	found = true
	return
}

// Match returns the key paths that match a treestore pattern, such as
// "/client/host/*".
func (ti *TreeIndex) Match(pattern string) []string {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	keys := ti.ts.GetMatchingKeys(treestore.MakeStoreKeyFromPath(treestore.TokenPath(pattern)), 0, 10000, false)
	keypaths := make([]string, 0, len(keys))
	for _, k := range keys {
		keypaths = append(keypaths, string(k.Key))
	}
	return keypaths
}

// KeyPath converts element names to the escaped path form Match returns.
func KeyPath(names ...string) string {
	var path string
	for _, name := range names {
		path += "/" + treestore.EscapeTokenString(name)
	}
	return path
}

// Save writes the index to filename if it changed since the last save.
func (ti *TreeIndex) Save(l lane.Lane, filename string) error {
	if ti.dirty.Swap(0) > 0 {
		ti.mu.Lock()
		defer ti.mu.Unlock()

		l.Tracef("saving tree index to %s", filename)
		if err := ti.ts.Save(l, filename); err != nil {
			l.Errorf("failed to save tree index to %s: %s", filename, err)
			ti.dirty.Add(1)
			return err
		}
	}
	return nil
}

// Load replaces the index content with a saved index.
func (ti *TreeIndex) Load(l lane.Lane, filename string) error {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	l.Tracef("loading tree index from %s", filename)
	return ti.ts.Load(l, filename)
}
