package dstore_client

import (
	"net"
	"strings"
	"testing"
)

type (
	receiverTest struct {
		ds   *DataStore
		uh   *stubUpdateHandler
		ch   *stubCommandHandler
		rcv  *ClientReceiver
		peer *testPeerCxn
	}
)

func newReceiverTest(t *testing.T) *receiverTest {
	l, ds := newTestDataStore(t)
	client, peer := net.Pipe()

	rt := &receiverTest{
		ds: ds,
		uh: &stubUpdateHandler{},
		ch: &stubCommandHandler{},
		peer: &testPeerCxn{
			cxn: peer,
			dw:  newDocumentWriter(l, peer),
			dr:  newDocumentReader(l, peer),
		},
	}
	ds.setHandlers(rt.ch, rt.uh)
	ds.SetConnected(true)

	rt.rcv = NewClientReceiver(l, ds, client, rt.ch)
	if err := rt.rcv.Start(); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		rt.rcv.Stop()
		peer.Close()
	})
	return rt
}

func (rt *receiverTest) ended() bool {
	select {
	case <-rt.rcv.Done():
		return true
	default:
		return false
	}
}

func TestReceiverExitSentinel(t *testing.T) {
	rt := newReceiverTest(t)

	rt.peer.send(t, &documentNode{
		Type: docTypeDocument,
		Name: exitDocumentName,
		Children: []*documentNode{
			{Type: TypeResult, ID: "r1", Name: "result"},
		},
	})

	waitFor(t, "receiver exit", rt.ended)

	if !rt.rcv.CanExit() {
		t.Error("can exit flag not set")
	}
	if rt.ds.Find("r1") != nil {
		t.Error("exit document was merged")
	}
	if rt.ds.IsConnected() {
		t.Error("still connected")
	}
	if rt.ds.Status().Name() != "okay" {
		t.Error("peer exit reported as an error")
	}
}

func TestReceiverMerge(t *testing.T) {
	rt := newReceiverTest(t)
	host := rt.ds.HostRoot()

	doc := &documentNode{
		Type: docTypeDocument,
		Name: "reply",
		Children: []*documentNode{
			{Type: TypeResult, ID: "r1", Name: "result", Parent: host.ID()},
		},
	}
	rt.peer.send(t, doc)

	waitFor(t, "merge", func() bool { return rt.ds.Find("r1") != nil })

	result := rt.ds.Find("r1")
	if result.Parent() != host || result.Name() != "result" {
		t.Errorf("result merged under %v", result.Parent())
	}
	if !rt.uh.queued(host) {
		t.Error("host root not refreshed")
	}

	// an update of the same id changes the element in place
	rt.peer.send(t, &documentNode{
		Type: docTypeDocument,
		Children: []*documentNode{
			{Type: TypeResult, ID: "r1", Name: "result", Value: "42"},
		},
	})
	waitFor(t, "update", func() bool { return result.Value() == "42" })

	if len(host.Children()) != 1 {
		t.Error("update created a new element")
	}
	if !rt.uh.queued(result) {
		t.Error("result not refreshed")
	}
}

func TestReceiverKeepAlive(t *testing.T) {
	rt := newReceiverTest(t)

	rt.peer.send(t, &documentNode{Type: docTypeKeepAlive, Name: keepAliveDocumentName})
	waitFor(t, "confirmation", func() bool { return rt.ch.confirmations() == 1 })

	rt.peer.send(t, &documentNode{Type: docTypeKeepAliveReturn, Name: keepAliveDocumentName})
	waitFor(t, "keep-alive stamp", func() bool { return !rt.ds.LastKeepAlive().IsZero() })
}

func TestReceiverFile(t *testing.T) {
	rt := newReceiverTest(t)

	rt.peer.send(t, &documentNode{Type: docTypeFile, Name: "/logs/out.txt", Buffer: []byte("one ")})
	rt.peer.send(t, &documentNode{Type: docTypeAppendFile, Name: "/logs/out.txt", Buffer: []byte("two")})

	waitFor(t, "cached file", func() bool {
		data, err := rt.ds.CachedFile("/logs/out.txt")
		return err == nil && string(data) == "one two"
	})
}

func TestReceiverReadError(t *testing.T) {
	rt := newReceiverTest(t)

	rt.peer.cxn.Close()
	waitFor(t, "receiver exit", rt.ended)

	if rt.ds.IsConnected() {
		t.Error("still connected")
	}
	if rt.rcv.CanExit() {
		t.Error("a dropped socket is not a peer exit")
	}
	if name := rt.ds.Status().Name(); !strings.Contains(name, "EOF") && !strings.Contains(name, "closed") {
		t.Errorf("status %q", name)
	}
	if !rt.uh.queued(rt.ds.Status()) {
		t.Error("status not refreshed")
	}
}

func TestReceiverStopIsQuiet(t *testing.T) {
	rt := newReceiverTest(t)

	rt.rcv.Stop()
	if rt.ds.Status().Name() != "okay" {
		t.Errorf("stop reported as an error: %s", rt.ds.Status().Name())
	}
	if !rt.ds.IsConnected() {
		t.Error("stop changed the connected flag")
	}
}
