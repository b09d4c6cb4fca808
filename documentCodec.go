package dstore_client

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jimsnab/go-lane"
)

// Document types carried on the wire.
const (
	docTypeDocument        = "DOCUMENT"
	docTypeFile            = "FILE"
	docTypeAppendFile      = "APPEND_FILE"
	docTypeClass           = "CLASS"
	docTypeClassInstance   = "CLASS_INSTANCE"
	docTypeRequestClass    = "REQUEST_CLASS"
	docTypeKeepAlive       = "KEEPALIVE_REQUEST"
	docTypeKeepAliveReturn = "KEEPALIVE_CONFIRM"

	// name of the document a peer sends to end the session
	exitDocumentName = "exit"

	maxFrameSize = 64 * 1024 * 1024
)

var ErrFrameTooLarge = errors.New("document frame too large")

type (
	// documentNode is the wire form of a tree fragment.
	documentNode struct {
		Type     string          `json:"type"`
		ID       string          `json:"id,omitempty"`
		Name     string          `json:"name,omitempty"`
		Value    string          `json:"value,omitempty"`
		Source   string          `json:"source,omitempty"`
		Ref      bool            `json:"ref,omitempty"`
		Parent   string          `json:"parent,omitempty"`
		Buffer   []byte          `json:"buffer,omitempty"`
		Children []*documentNode `json:"children,omitempty"`
	}

	// documentWriter frames documents onto the socket. Writes from the
	// command handler and synchronous file sends are serialized.
	documentWriter struct {
		l  lane.Lane
		mu sync.Mutex
		w  io.Writer
	}

	// documentReader accumulates socket input until a whole frame is
	// available.
	documentReader struct {
		l       lane.Lane
		r       io.Reader
		inbound []byte
	}
)

//
// The stream format is:
//
// frameSize uint32 big endian
// frame [frameSize]byte
//
// The frame is one JSON encoded documentNode. The root node is the document
// envelope; its children are the payload.
//

func newDocumentWriter(l lane.Lane, w io.Writer) *documentWriter {
	return &documentWriter{l: l, w: w}
}

func (dw *documentWriter) send(doc *documentNode) error {
	// can't use json.Marshal because it imposes some HTML safeguards that are not relevant to json
	buffer := &bytes.Buffer{}
	buffer.Write([]byte{0, 0, 0, 0})
	enc := json.NewEncoder(buffer)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("unable to marshal %s document: %w", doc.Type, err)
	}

	frame := bytes.TrimRight(buffer.Bytes(), "\n")
	size := len(frame) - 4
	if size > maxFrameSize {
		return ErrFrameTooLarge
	}
	binary.BigEndian.PutUint32(frame, uint32(size))

	dw.mu.Lock()
	defer dw.mu.Unlock()

	n, err := dw.w.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("%d bytes sent of %d", n, len(frame))
	}

	dw.l.Tracef("wrote %s document %s, %d bytes", doc.Type, doc.Name, n)
	return nil
}

func newDocumentReader(l lane.Lane, r io.Reader) *documentReader {
	return &documentReader{l: l, r: r}
}

// next blocks until a whole document has arrived
func (dr *documentReader) next() (doc *documentNode, err error) {
	for {
		var length int
		if doc, length, err = dr.parseDocument(); err != nil {
			return
		}
		if doc != nil {
			dr.inbound = dr.inbound[length:]
			return
		}

		// buffer must be allocated for each read, because dr.inbound slice is referencing it
		buffer := make([]byte, 1024*8)

		var n int
		n, err = dr.r.Read(buffer)
		if n > 0 {
			if dr.inbound == nil {
				dr.inbound = buffer[0:n]
			} else {
				dr.inbound = append(dr.inbound, buffer[0:n]...)
			}
			dr.l.Tracef("received %d bytes of document data", len(dr.inbound))
		}
		if err != nil {
			// a final frame can arrive together with the error
			if last, length, perr := dr.parseDocument(); perr == nil && last != nil {
				dr.inbound = dr.inbound[length:]
				return last, nil
			}
			return
		}
	}
}

func (dr *documentReader) parseDocument() (doc *documentNode, length int, err error) {
	if len(dr.inbound) < 4 {
		return
	}

	frameSize := binary.BigEndian.Uint32(dr.inbound)
	if frameSize > maxFrameSize {
		err = ErrFrameTooLarge
		return
	}
	if len(dr.inbound)-4 < int(frameSize) {
		dr.l.Tracef("insufficient input, expecting %d bytes, have %d bytes", frameSize, len(dr.inbound)-4)
		return
	}

	frame := dr.inbound[4 : 4+frameSize]
	doc = &documentNode{}
	if err = json.Unmarshal(frame, doc); err != nil {
		doc = nil
		err = fmt.Errorf("malformed document: %w", err)
		return
	}

	length = 4 + int(frameSize)
	return
}
