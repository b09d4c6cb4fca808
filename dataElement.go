package dstore_client

import (
	"fmt"
	"strings"
)

// Element attribute indexes.
const (
	AttrType = iota
	AttrID
	AttrName
	AttrValue
	AttrSource
	attributeCount
)

// Well-known element types.
const (
	TypeRoot               = "root"
	TypeHost               = "host"
	TypeLog                = "log"
	TypeStatus             = "status"
	TypeTicket             = "ticket"
	TypeCommand            = "command"
	TypeArgument           = "argument"
	TypeReference          = "reference"
	TypeResult             = "result"
	TypeDeleted            = "deleted"
	TypeObjectDescriptor   = "object descriptor"
	TypeCommandDescriptor  = "command descriptor"
	TypeRelationDescriptor = "relation descriptor"
)

type (
	// DataElement is one node of the synchronized tree. Its fields are
	// guarded by the owning DataStore's lock.
	DataElement struct {
		ds         *DataStore
		attributes [attributeCount]string
		isRef      bool
		buffer     []byte
		parent     *DataElement
		children   []*DataElement
		updated    bool
		expanded   bool
		descriptor bool
		deleted    bool
	}
)

func isDescriptorType(typ string) bool {
	switch typ {
	case TypeObjectDescriptor, TypeCommandDescriptor, TypeRelationDescriptor:
		return true
	}
	return false
}

func (de *DataElement) Attribute(index int) string {
	if index < 0 || index >= attributeCount {
		return ""
	}
	de.ds.mu.RLock()
	defer de.ds.mu.RUnlock()
	return de.attributes[index]
}

func (de *DataElement) Type() string   { return de.Attribute(AttrType) }
func (de *DataElement) ID() string     { return de.Attribute(AttrID) }
func (de *DataElement) Name() string   { return de.Attribute(AttrName) }
func (de *DataElement) Value() string  { return de.Attribute(AttrValue) }
func (de *DataElement) Source() string { return de.Attribute(AttrSource) }

// SetAttribute changes one attribute. The id can't be changed once the
// element is indexed.
func (de *DataElement) SetAttribute(index int, value string) {
	if index < 0 || index >= attributeCount || index == AttrID {
		return
	}
	de.ds.mu.Lock()
	defer de.ds.mu.Unlock()
	de.attributes[index] = value
	if index == AttrType {
		de.descriptor = isDescriptorType(value)
	}
}

func (de *DataElement) IsReference() bool {
	de.ds.mu.RLock()
	defer de.ds.mu.RUnlock()
	return de.isRef
}

func (de *DataElement) Buffer() []byte {
	de.ds.mu.RLock()
	defer de.ds.mu.RUnlock()
	return de.buffer
}

func (de *DataElement) SetBuffer(buffer []byte) {
	de.ds.mu.Lock()
	defer de.ds.mu.Unlock()
	de.buffer = buffer
}

func (de *DataElement) Parent() *DataElement {
	de.ds.mu.RLock()
	defer de.ds.mu.RUnlock()
	return de.parent
}

// Children returns a snapshot of the element's children.
func (de *DataElement) Children() []*DataElement {
	de.ds.mu.RLock()
	defer de.ds.mu.RUnlock()
	children := make([]*DataElement, len(de.children))
	copy(children, de.children)
	return children
}

func (de *DataElement) ChildCount() int {
	de.ds.mu.RLock()
	defer de.ds.mu.RUnlock()
	return len(de.children)
}

// FindChild returns the first direct child with the specified name.
func (de *DataElement) FindChild(name string) *DataElement {
	de.ds.mu.RLock()
	defer de.ds.mu.RUnlock()
	for _, child := range de.children {
		if child.attributes[AttrName] == name {
			return child
		}
	}
	return nil
}

func (de *DataElement) IsUpdated() bool {
	de.ds.mu.RLock()
	defer de.ds.mu.RUnlock()
	return de.updated
}

func (de *DataElement) SetUpdated(updated bool) {
	de.ds.mu.Lock()
	defer de.ds.mu.Unlock()
	de.updated = updated
}

func (de *DataElement) IsExpanded() bool {
	de.ds.mu.RLock()
	defer de.ds.mu.RUnlock()
	return de.expanded
}

func (de *DataElement) SetExpanded(expanded bool) {
	de.ds.mu.Lock()
	defer de.ds.mu.Unlock()
	de.expanded = expanded
}

func (de *DataElement) IsDescriptor() bool {
	de.ds.mu.RLock()
	defer de.ds.mu.RUnlock()
	return de.descriptor
}

func (de *DataElement) IsDeleted() bool {
	de.ds.mu.RLock()
	defer de.ds.mu.RUnlock()
	return de.deleted
}

// Path returns the element names from the tree root down to the element.
func (de *DataElement) Path() []string {
	de.ds.mu.RLock()
	defer de.ds.mu.RUnlock()

	var path []string
	for e := de; e != nil; e = e.parent {
		path = append(path, e.attributes[AttrName])
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func (de *DataElement) String() string {
	de.ds.mu.RLock()
	defer de.ds.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s %s", de.attributes[AttrType], EscapeValue(de.attributes[AttrName])))
	if de.attributes[AttrValue] != "" {
		sb.WriteString(fmt.Sprintf("=%s", EscapeValue(de.attributes[AttrValue])))
	}
	if de.isRef {
		sb.WriteString(" (ref)")
	}
	return sb.String()
}

func (de *DataElement) addChildLocked(child *DataElement) {
	child.parent = de
	de.children = append(de.children, child)
}

func (de *DataElement) removeChildLocked(child *DataElement) bool {
	for i, c := range de.children {
		if c == child {
			de.children = append(de.children[:i], de.children[i+1:]...)
			child.parent = nil
			return true
		}
	}
	return false
}

// applies inbound attributes; returns true if anything changed
func (de *DataElement) applyLocked(node *documentNode) bool {
	changed := false
	set := func(index int, value string) {
		if de.attributes[index] != value {
			de.attributes[index] = value
			changed = true
		}
	}

	set(AttrType, node.Type)
	set(AttrName, node.Name)
	set(AttrValue, node.Value)
	set(AttrSource, node.Source)
	de.descriptor = isDescriptorType(node.Type)

	if node.Buffer != nil {
		de.buffer = node.Buffer
		changed = true
	}
	return changed
}

// builds the wire form of the element and its subtree
func (de *DataElement) documentNodeLocked() *documentNode {
	node := &documentNode{
		Type:   de.attributes[AttrType],
		ID:     de.attributes[AttrID],
		Name:   de.attributes[AttrName],
		Value:  de.attributes[AttrValue],
		Source: de.attributes[AttrSource],
		Ref:    de.isRef,
		Buffer: de.buffer,
	}
	if de.parent != nil {
		node.Parent = de.parent.attributes[AttrID]
	}

	// the peer only needs the target id of a reference
	if !de.isRef {
		for _, child := range de.children {
			node.Children = append(node.Children, child.documentNodeLocked())
		}
	}
	return node
}
