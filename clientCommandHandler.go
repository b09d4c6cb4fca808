package dstore_client

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jimsnab/go-lane"
)

const (
	DefaultCommandWaitTime = 100 * time.Millisecond

	keepAliveDocumentName = "keepalive"
	commandDocumentName   = "commands"
)

type (
	// ClientCommandHandler queues outbound traffic and flushes it to the
	// peer from its own goroutine. A flush sends, in order: the command
	// batch, a pending keep-alive confirmation, a pending keep-alive
	// request, then each queued class transfer.
	ClientCommandHandler struct {
		l        lane.Lane
		ds       *DataStore
		dw       *documentWriter
		w        worker
		waitTime time.Duration
		wake     chan struct{}

		cmdMu    sync.Mutex
		commands []*DataElement

		kaMu             sync.Mutex
		keepAliveConfirm bool
		keepAliveRequest bool

		classMu sync.Mutex
		classes []*documentNode

		// serializes flushes and synchronous file sends; guards the envelopes
		flushMu      sync.Mutex
		document     *documentNode
		fileDocument *documentNode
	}
)

func NewClientCommandHandler(l lane.Lane, ds *DataStore, w io.Writer) *ClientCommandHandler {
	return &ClientCommandHandler{
		l:            l,
		ds:           ds,
		dw:           newDocumentWriter(l, w),
		waitTime:     DefaultCommandWaitTime,
		wake:         make(chan struct{}, 1),
		document:     &documentNode{Type: docTypeDocument, Name: commandDocumentName},
		fileDocument: &documentNode{Type: docTypeFile},
	}
}

// SetWaitTime changes the flush period; it takes effect on the next Start.
func (ch *ClientCommandHandler) SetWaitTime(d time.Duration) {
	if d > 0 {
		ch.waitTime = d
	}
}

func (ch *ClientCommandHandler) signal() {
	select {
	case ch.wake <- struct{}{}:
	default:
	}
}

func (ch *ClientCommandHandler) AddCommand(cmd *DataElement) {
	ch.cmdMu.Lock()
	ch.commands = append(ch.commands, cmd)
	ch.cmdMu.Unlock()
	ch.signal()
}

func (ch *ClientCommandHandler) SendKeepAliveRequest() {
	ch.kaMu.Lock()
	ch.keepAliveRequest = true
	ch.kaMu.Unlock()
	ch.signal()
}

func (ch *ClientCommandHandler) SendKeepAliveConfirmation() {
	ch.kaMu.Lock()
	ch.keepAliveConfirm = true
	ch.kaMu.Unlock()
	ch.signal()
}

func (ch *ClientCommandHandler) queueClass(node *documentNode) {
	ch.classMu.Lock()
	ch.classes = append(ch.classes, node)
	ch.classMu.Unlock()
	ch.signal()
}

// SendClass queues the byte code of a class the peer asked for.
func (ch *ClientCommandHandler) SendClass(className string, data []byte) {
	ch.queueClass(&documentNode{Type: docTypeClass, Name: className, Buffer: data})
}

// SendClassInstance queues a serialized instance of a class.
func (ch *ClientCommandHandler) SendClassInstance(className string, data []byte) {
	ch.queueClass(&documentNode{Type: docTypeClassInstance, Name: className, Buffer: data})
}

// RequestClass asks the peer for the byte code of a class.
func (ch *ClientCommandHandler) RequestClass(className string) {
	ch.queueClass(&documentNode{Type: docTypeRequestClass, Name: className})
}

// SendFile transfers a file to remotePath on the peer, after any queued
// commands.
func (ch *ClientCommandHandler) SendFile(remotePath string, data []byte, binary bool) error {
	return ch.sendFile(docTypeFile, remotePath, data, binary)
}

// SendAppendFile appends data to remotePath on the peer, after any queued
// commands.
func (ch *ClientCommandHandler) SendAppendFile(remotePath string, data []byte, binary bool) error {
	return ch.sendFile(docTypeAppendFile, remotePath, data, binary)
}

func (ch *ClientCommandHandler) sendFile(docType, remotePath string, data []byte, binary bool) error {
	ch.flushMu.Lock()
	defer ch.flushMu.Unlock()

	if err := ch.flushCommandsLocked(); err != nil {
		return err
	}

	fd := ch.fileDocument
	fd.Type = docType
	fd.Name = remotePath
	fd.Source = remotePath
	fd.Buffer = data
	if binary {
		fd.Value = "binary"
	} else {
		fd.Value = "text"
	}
	defer func() {
		fd.Buffer = nil
	}()

	if err := ch.dw.send(fd); err != nil {
		return fmt.Errorf("unable to send %s: %w", remotePath, err)
	}
	return nil
}

// HasPending reports whether anything is waiting to be sent.
func (ch *ClientCommandHandler) HasPending() bool {
	ch.cmdMu.Lock()
	pending := len(ch.commands) > 0
	ch.cmdMu.Unlock()
	if pending {
		return true
	}

	ch.kaMu.Lock()
	pending = ch.keepAliveConfirm || ch.keepAliveRequest
	ch.kaMu.Unlock()
	if pending {
		return true
	}

	ch.classMu.Lock()
	defer ch.classMu.Unlock()
	return len(ch.classes) > 0
}

// Flush sends everything that is queued. Items that could not be sent stay
// queued.
func (ch *ClientCommandHandler) Flush() error {
	ch.flushMu.Lock()
	defer ch.flushMu.Unlock()

	if err := ch.flushCommandsLocked(); err != nil {
		return err
	}

	ch.kaMu.Lock()
	confirm := ch.keepAliveConfirm
	request := ch.keepAliveRequest
	ch.keepAliveConfirm = false
	ch.keepAliveRequest = false
	ch.kaMu.Unlock()

	if confirm {
		if err := ch.dw.send(&documentNode{Type: docTypeKeepAliveReturn, Name: keepAliveDocumentName}); err != nil {
			ch.kaMu.Lock()
			ch.keepAliveConfirm = true
			ch.keepAliveRequest = ch.keepAliveRequest || request
			ch.kaMu.Unlock()
			return fmt.Errorf("unable to confirm keep-alive: %w", err)
		}
	}

	if request {
		if err := ch.dw.send(&documentNode{Type: docTypeKeepAlive, Name: keepAliveDocumentName}); err != nil {
			ch.kaMu.Lock()
			ch.keepAliveRequest = true
			ch.kaMu.Unlock()
			return fmt.Errorf("unable to request keep-alive: %w", err)
		}
	}

	ch.classMu.Lock()
	classes := ch.classes
	ch.classes = nil
	ch.classMu.Unlock()

	for i, node := range classes {
		if err := ch.dw.send(node); err != nil {
			ch.classMu.Lock()
			ch.classes = append(classes[i:len(classes):len(classes)], ch.classes...)
			ch.classMu.Unlock()
			return fmt.Errorf("unable to send class %s: %w", node.Name, err)
		}
	}

	return nil
}

func (ch *ClientCommandHandler) flushCommandsLocked() error {
	ch.cmdMu.Lock()
	commands := ch.commands
	ch.commands = nil
	ch.cmdMu.Unlock()

	if len(commands) == 0 {
		return nil
	}

	ch.ds.mu.RLock()
	for _, cmd := range commands {
		ch.document.Children = append(ch.document.Children, cmd.documentNodeLocked())
	}
	ch.ds.mu.RUnlock()

	err := ch.dw.send(ch.document)
	ch.document.Children = nil

	if err != nil {
		ch.cmdMu.Lock()
		ch.commands = append(commands, ch.commands...)
		ch.cmdMu.Unlock()
		return fmt.Errorf("unable to send %d commands: %w", len(commands), err)
	}

	ch.l.Tracef("sent %d commands", len(commands))
	return nil
}

func (ch *ClientCommandHandler) Start() error {
	return ch.w.start(ch.run)
}

func (ch *ClientCommandHandler) run(exit <-chan struct{}) {
	ticker := time.NewTicker(ch.waitTime)
	defer ticker.Stop()

	for {
		select {
		case <-exit:
			return
		case <-ch.wake:
		case <-ticker.C:
		}

		if !ch.HasPending() {
			continue
		}

		if err := ch.Flush(); err != nil {
			ch.onSendError(err)
			return
		}
	}
}

func (ch *ClientCommandHandler) onSendError(err error) {
	if ch.w.isStopping() {
		ch.l.Debugf("send failed while stopping: %s", err)
		return
	}

	ch.l.Errorf("send failed, connection lost: %s", err)
	ch.ds.SetConnected(false)
	ch.ds.SetStatus(err.Error())
}

// Stop ends the flush goroutine, then makes a final attempt to send
// whatever is still queued.
func (ch *ClientCommandHandler) Stop() {
	ch.w.stop()

	if ch.HasPending() {
		if err := ch.Flush(); err != nil {
			ch.l.Debugf("final flush failed: %s", err)
		}
	}
}
