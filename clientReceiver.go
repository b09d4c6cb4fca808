package dstore_client

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/jimsnab/go-lane"
)

type (
	keepAliveResponder interface {
		SendKeepAliveConfirmation()
	}

	// ClientReceiver reads documents from the peer and merges them into
	// the tree on its own goroutine.
	ClientReceiver struct {
		l         lane.Lane
		ds        *DataStore
		cxn       net.Conn
		dr        *documentReader
		responder keepAliveResponder
		w         worker
		canExit   atomic.Bool
	}
)

func NewClientReceiver(l lane.Lane, ds *DataStore, cxn net.Conn, responder keepAliveResponder) *ClientReceiver {
	return &ClientReceiver{
		l:         l,
		ds:        ds,
		cxn:       cxn,
		dr:        newDocumentReader(l, cxn),
		responder: responder,
	}
}

// CanExit reports whether the peer ended the session.
func (cr *ClientReceiver) CanExit() bool {
	return cr.canExit.Load()
}

// Done is closed when the read loop has ended.
func (cr *ClientReceiver) Done() <-chan struct{} {
	return cr.w.finished()
}

func (cr *ClientReceiver) Start() error {
	return cr.w.start(cr.run)
}

func (cr *ClientReceiver) run(exit <-chan struct{}) {
	for {
		doc, err := cr.dr.next()
		if err != nil {
			cr.onReceiveError(err)
			return
		}

		if !cr.handleDocument(doc) {
			return
		}

		select {
		case <-exit:
			return
		default:
		}
	}
}

// returns false when the session is over
func (cr *ClientReceiver) handleDocument(doc *documentNode) bool {
	if doc.Name == exitDocumentName {
		cr.l.Infof("peer %s ended the session", cr.cxn.RemoteAddr().String())
		cr.canExit.Store(true)
		cr.ds.SetConnected(false)
		return false
	}

	switch doc.Type {
	case docTypeKeepAlive:
		cr.l.Tracef("keep-alive request from peer")
		if cr.responder != nil {
			cr.responder.SendKeepAliveConfirmation()
		}

	case docTypeKeepAliveReturn:
		cr.l.Tracef("keep-alive confirmed by peer")
		cr.ds.setLastKeepAlive(time.Now())

	case docTypeFile, docTypeAppendFile:
		if err := cr.ds.SaveFile(doc.Name, doc.Buffer, doc.Type == docTypeAppendFile); err != nil {
			cr.l.Warnf("unable to save file %s sent by peer: %s", doc.Name, err)
		}

	default:
		cr.ds.Merge(doc)
		doc.Children = nil
	}
	return true
}

func (cr *ClientReceiver) onReceiveError(err error) {
	if cr.w.isStopping() {
		cr.l.Tracef("receiver stopped: %s", err)
		return
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		cr.l.Infof("peer %s closed the connection", cr.cxn.RemoteAddr().String())
	} else {
		cr.l.Errorf("receive from %s failed: %s", cr.cxn.RemoteAddr().String(), err)
	}

	cr.ds.SetStatus(err.Error())
	cr.ds.SetConnected(false)
}

// Stop closes the socket to unblock the pending read, then waits for the
// loop to end.
func (cr *ClientReceiver) Stop() {
	cr.w.requestStop()
	cr.cxn.Close()
	cr.w.wait()
}
