package dstore_client

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jimsnab/go-lane"
	"github.com/spf13/afero"
)

// Fixed ids of the skeleton elements, shared with the peer.
const (
	rootID     = "root"
	hostRootID = "host.root"
	logRootID  = "log.root"
	statusID   = "status"
	ticketID   = "ticket"
)

// Well-known command names.
const (
	ExitCommand           = "Exit"
	ValidateTicketCommand = "C_VALIDATE_TICKET"
	SetPreferenceCommand  = "C_SET_PREFERENCE"
)

type (
	// CommandHandler sends (or executes) commands built on the tree.
	CommandHandler interface {
		AddCommand(cmd *DataElement)
		SendKeepAliveRequest()
		SendKeepAliveConfirmation()
		Start() error
		Stop()
	}

	// UpdateHandler turns refreshed elements into domain notifications.
	UpdateHandler interface {
		AddData(elem *DataElement)
		UpdateFile(remotePath string, data []byte, binary bool)
		RequestClass(className string)
		Start() error
		Stop()
	}

	// DataStore is the tree shared by the command handler, the update
	// handler and the receiver. All element fields are guarded by mu.
	DataStore struct {
		l        lane.Lane
		mu       sync.RWMutex
		attrs    *Attributes
		notifier *DomainNotifier
		cache    *fileCache

		root     *DataElement
		hostRoot *DataElement
		logRoot  *DataElement
		status   *DataElement
		ticket   *DataElement
		ids      map[string]*DataElement

		hmu           sync.Mutex // guards the fields below
		connected     bool
		usingSSL      bool
		serverVersion int
		serverMinor   int
		lastKeepAlive time.Time
		preferences   map[string]string
		cmdHandler    CommandHandler
		updHandler    UpdateHandler
	}
)

func NewDataStore(l lane.Lane, attrs *Attributes, notifier *DomainNotifier, fs afero.Fs) *DataStore {
	ds := &DataStore{
		l:           l,
		attrs:       attrs,
		notifier:    notifier,
		cache:       newFileCache(l, fs, attrs),
		preferences: map[string]string{},
	}

	ds.mu.Lock()
	ds.initSkeletonLocked()
	ds.mu.Unlock()

	return ds
}

func (ds *DataStore) initSkeletonLocked() {
	ds.ids = map[string]*DataElement{}
	ds.root = ds.newElementLocked(nil, TypeRoot, rootID, ds.attrs.Get(KeyLocalName), "", "", false)
	ds.hostRoot = ds.newElementLocked(ds.root, TypeHost, hostRootID, ds.attrs.Get(KeyHostName), "", ds.attrs.Get(KeyHostPath), false)
	ds.logRoot = ds.newElementLocked(ds.root, TypeLog, logRootID, "log", "", "", false)
	ds.status = ds.newElementLocked(ds.root, TypeStatus, statusID, "okay", "", "", false)
	ds.ticket = nil
}

func (ds *DataStore) newElementLocked(parent *DataElement, typ, id, name, value, source string, isRef bool) *DataElement {
	if id == "" {
		id = uuid.NewString()
	}

	de := &DataElement{
		ds:         ds,
		isRef:      isRef,
		descriptor: isDescriptorType(typ),
	}
	de.attributes[AttrType] = typ
	de.attributes[AttrID] = id
	de.attributes[AttrName] = name
	de.attributes[AttrValue] = value
	de.attributes[AttrSource] = source

	if !isRef {
		ds.ids[id] = de
	}
	if parent != nil {
		parent.addChildLocked(de)
	}
	return de
}

func (ds *DataStore) Root() *DataElement {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.root
}

func (ds *DataStore) HostRoot() *DataElement {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.hostRoot
}

func (ds *DataStore) LogRoot() *DataElement {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.logRoot
}

// Status returns the element that reports connection problems.
func (ds *DataStore) Status() *DataElement {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.status
}

func (ds *DataStore) Ticket() *DataElement {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.ticket
}

func (ds *DataStore) Attributes() *Attributes {
	return ds.attrs
}

func (ds *DataStore) DomainNotifier() *DomainNotifier {
	return ds.notifier
}

// Find returns the element with the specified id, or nil.
func (ds *DataStore) Find(id string) *DataElement {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.ids[id]
}

func (ds *DataStore) CreateObject(parent *DataElement, typ, name, source string) *DataElement {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if parent == nil {
		parent = ds.root
	}
	return ds.newElementLocked(parent, typ, "", name, "", source, false)
}

// CreateReference adds a reference to target under parent.
func (ds *DataStore) CreateReference(parent, target *DataElement) *DataElement {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if parent == nil {
		parent = ds.root
	}
	return ds.newElementLocked(parent, TypeReference, target.attributes[AttrID], target.attributes[AttrName], "", "", true)
}

// DeleteObject detaches elem and its subtree from the tree.
func (ds *DataStore) DeleteObject(elem *DataElement) {
	ds.mu.Lock()
	parent := ds.deleteLocked(elem)
	ds.mu.Unlock()

	if parent != nil {
		ds.Refresh(parent)
	}
}

func (ds *DataStore) deleteLocked(elem *DataElement) (parent *DataElement) {
	parent = elem.parent
	if parent != nil {
		parent.removeChildLocked(elem)
	}

	var unindex func(e *DataElement)
	unindex = func(e *DataElement) {
		e.deleted = true
		if !e.isRef && ds.ids[e.attributes[AttrID]] == e {
			delete(ds.ids, e.attributes[AttrID])
		}
		for _, child := range e.children {
			unindex(child)
		}
	}
	unindex(elem)
	return
}

// Command builds a command element in the log, queues it on the command
// handler and returns the command's status element. The peer reports
// progress by updating the status.
func (ds *DataStore) Command(name string, subject *DataElement, args ...string) *DataElement {
	ds.mu.Lock()
	cmd := ds.newElementLocked(ds.logRoot, TypeCommand, "", name, name, "", false)
	if subject != nil {
		ds.newElementLocked(cmd, TypeReference, subject.attributes[AttrID], subject.attributes[AttrName], "", "", true)
	}
	for _, arg := range args {
		ds.newElementLocked(cmd, TypeArgument, "", arg, "", "", false)
	}
	status := ds.newElementLocked(cmd, TypeStatus, "", "start", "", "", false)
	ds.mu.Unlock()

	ch := ds.CommandHandler()
	if ch == nil {
		ds.l.Debugf("no command handler, %s not sent", name)
		return status
	}
	ch.AddCommand(cmd)
	return status
}

// Refresh queues elem for a domain notification.
func (ds *DataStore) Refresh(elem *DataElement) {
	if elem == nil {
		return
	}
	elem.SetUpdated(false)

	uh := ds.UpdateHandler()
	if uh != nil {
		uh.AddData(elem)
	}
}

// Merge applies the children of an inbound document to the tree. Known
// elements are updated in place, new elements are attached under their
// declared parent (or the root).
func (ds *DataStore) Merge(doc *documentNode) {
	var refresh []*DataElement
	queue := func(e *DataElement) {
		for _, r := range refresh {
			if r == e {
				return
			}
		}
		refresh = append(refresh, e)
	}

	ds.mu.Lock()
	for _, node := range doc.Children {
		ds.mergeLocked(ds.root, node, queue)
	}
	ds.mu.Unlock()

	for _, e := range refresh {
		ds.Refresh(e)
	}
}

func (ds *DataStore) mergeLocked(parent *DataElement, node *documentNode, queue func(e *DataElement)) {
	if !node.Ref && node.ID != "" {
		if existing := ds.ids[node.ID]; existing != nil {
			if node.Type == TypeDeleted {
				if ds.isSkeletonLocked(existing) {
					ds.l.Warnf("peer tried to delete %s, ignored", node.ID)
					return
				}
				if existing == ds.ticket {
					ds.ticket = nil
				}
				if p := ds.deleteLocked(existing); p != nil {
					queue(p)
				}
				return
			}

			if existing.applyLocked(node) {
				queue(existing)
			}
			for _, child := range node.Children {
				ds.mergeLocked(existing, child, queue)
			}
			return
		}
	}

	if node.Type == TypeDeleted {
		return
	}

	if node.Parent != "" {
		if declared := ds.ids[node.Parent]; declared != nil {
			parent = declared
		}
	}

	elem := ds.newElementLocked(parent, node.Type, node.ID, node.Name, node.Value, node.Source, node.Ref)
	elem.buffer = node.Buffer
	for _, child := range node.Children {
		ds.mergeLocked(elem, child, func(*DataElement) {})
	}
	queue(parent)
}

// the fixed elements the store keeps pointers to; they live as long as the tree
func (ds *DataStore) isSkeletonLocked(e *DataElement) bool {
	return e == ds.root || e == ds.hostRoot || e == ds.logRoot || e == ds.status
}

// SetStatus records a connection problem in the status element.
func (ds *DataStore) SetStatus(message string) {
	ds.mu.Lock()
	status := ds.status
	status.attributes[AttrName] = message
	ds.mu.Unlock()

	ds.Refresh(status)
}

// CreateTicket records the access ticket issued by a daemon or server.
func (ds *DataStore) CreateTicket(ticket string) *DataElement {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.ticket != nil {
		ds.deleteLocked(ds.ticket)
	}
	ds.ticket = ds.newElementLocked(ds.root, TypeTicket, ticketID, ticket, "", "", false)
	return ds.ticket
}

// ShowTicket asks the peer to validate the ticket. An empty ticket is
// sent as "null", which a server without ticket checks accepts.
func (ds *DataStore) ShowTicket(ticket string) *DataElement {
	if ticket == "" {
		ticket = "null"
	}
	elem := ds.CreateTicket(ticket)
	return ds.Command(ValidateTicketCommand, elem, ticket)
}

// SetPreference stores a preference; remote preferences are also sent to
// the peer.
func (ds *DataStore) SetPreference(name, value string, remote bool) {
	ds.hmu.Lock()
	ds.preferences[name] = value
	ds.hmu.Unlock()

	if remote {
		ds.Command(SetPreferenceCommand, nil, name, value)
	}
}

func (ds *DataStore) Preference(name string) string {
	ds.hmu.Lock()
	defer ds.hmu.Unlock()
	return ds.preferences[name]
}

// SaveFile stores file bytes sent by the peer in the local scratch cache.
func (ds *DataStore) SaveFile(remotePath string, data []byte, appendData bool) error {
	return ds.cache.save(remotePath, data, appendData)
}

// CachedFile reads back a file the peer sent.
func (ds *DataStore) CachedFile(remotePath string) ([]byte, error) {
	return ds.cache.read(remotePath)
}

func (ds *DataStore) setHandlers(ch CommandHandler, uh UpdateHandler) {
	ds.hmu.Lock()
	defer ds.hmu.Unlock()
	ds.cmdHandler = ch
	ds.updHandler = uh
}

func (ds *DataStore) CommandHandler() CommandHandler {
	ds.hmu.Lock()
	defer ds.hmu.Unlock()
	return ds.cmdHandler
}

func (ds *DataStore) UpdateHandler() UpdateHandler {
	ds.hmu.Lock()
	defer ds.hmu.Unlock()
	return ds.updHandler
}

func (ds *DataStore) SetConnected(connected bool) {
	ds.hmu.Lock()
	defer ds.hmu.Unlock()
	ds.connected = connected
}

func (ds *DataStore) IsConnected() bool {
	ds.hmu.Lock()
	defer ds.hmu.Unlock()
	return ds.connected
}

func (ds *DataStore) setUsingSSL(usingSSL bool) {
	ds.hmu.Lock()
	defer ds.hmu.Unlock()
	ds.usingSSL = usingSSL
}

func (ds *DataStore) UsingSSL() bool {
	ds.hmu.Lock()
	defer ds.hmu.Unlock()
	return ds.usingSSL
}

func (ds *DataStore) setServerVersion(version, minor int) {
	ds.hmu.Lock()
	defer ds.hmu.Unlock()
	ds.serverVersion = version
	ds.serverMinor = minor
}

func (ds *DataStore) ServerVersion() int {
	ds.hmu.Lock()
	defer ds.hmu.Unlock()
	return ds.serverVersion
}

func (ds *DataStore) ServerMinor() int {
	ds.hmu.Lock()
	defer ds.hmu.Unlock()
	return ds.serverMinor
}

func (ds *DataStore) setLastKeepAlive(when time.Time) {
	ds.hmu.Lock()
	defer ds.hmu.Unlock()
	ds.lastKeepAlive = when
}

// LastKeepAlive returns when the peer last confirmed a keep-alive request.
func (ds *DataStore) LastKeepAlive() time.Time {
	ds.hmu.Lock()
	defer ds.hmu.Unlock()
	return ds.lastKeepAlive
}

// Finish tears down the tree, leaving only a fresh skeleton.
func (ds *DataStore) Finish() {
	ds.hmu.Lock()
	ds.connected = false
	ds.cmdHandler = nil
	ds.updHandler = nil
	ds.hmu.Unlock()

	ds.mu.Lock()
	defer ds.mu.Unlock()

	ds.deleteLocked(ds.root)
	ds.initSkeletonLocked()
}

// syncEndpoint renames the skeleton after the current endpoint attributes.
func (ds *DataStore) syncEndpoint() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	ds.root.attributes[AttrName] = ds.attrs.Get(KeyLocalName)
	ds.hostRoot.attributes[AttrName] = ds.attrs.Get(KeyHostName)
	ds.hostRoot.attributes[AttrSource] = ds.attrs.Get(KeyHostPath)
}
