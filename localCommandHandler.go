package dstore_client

import (
	"strings"
	"sync"
	"time"

	"github.com/jimsnab/go-cmdline"
	"github.com/jimsnab/go-lane"
)

type (
	// LocalCommand is the context of a command executed in process. Local
	// command handlers find it at args[""].
	LocalCommand struct {
		l         lane.Lane
		DataStore *DataStore
		Command   *DataElement
		Subject   *DataElement
		Status    *DataElement
	}

	// LocalCommandHandler executes commands against the tree in process,
	// standing in for a remote server.
	LocalCommandHandler struct {
		l       lane.Lane
		ds      *DataStore
		cmdLine *cmdline.CommandLine
		w       worker
		wake    chan struct{}

		mu    sync.Mutex
		queue []*DataElement
	}
)

func NewLocalCommandHandler(l lane.Lane, ds *DataStore) *LocalCommandHandler {
	lh := &LocalCommandHandler{
		l:       l,
		ds:      ds,
		cmdLine: cmdline.NewCommandLine(),
		wake:    make(chan struct{}, 1),
	}

	lh.cmdLine.RegisterCommand(
		fnEcho,
		"echo <string-text>?Adds a result element named text under the command's subject",
	)

	lh.cmdLine.RegisterCommand(
		fnExit,
		"exit?Ends the session",
	)

	lh.cmdLine.RegisterCommand(
		fnValidateTicket,
		"validateticket <string-ticket>?Marks the ticket valid; a local session accepts any ticket",
	)

	lh.cmdLine.RegisterCommand(
		fnSetPreference,
		"setpreference <string-name> <string-value>?Stores a preference",
	)

	return lh
}

// LocalCommandName converts a command element name to the name it is
// registered under: lowercase, without the C_ prefix and underscores.
func LocalCommandName(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, "C_"), "_", ""))
}

// RegisterCommand adds a command; specs use the go-cmdline syntax.
func (lh *LocalCommandHandler) RegisterCommand(handler func(args cmdline.Values) error, specs ...string) {
	lh.cmdLine.RegisterCommand(handler, specs...)
}

func (lh *LocalCommandHandler) AddCommand(cmd *DataElement) {
	lh.mu.Lock()
	lh.queue = append(lh.queue, cmd)
	lh.mu.Unlock()

	select {
	case lh.wake <- struct{}{}:
	default:
	}
}

// SendKeepAliveRequest is answered right away; the peer is this process.
func (lh *LocalCommandHandler) SendKeepAliveRequest() {
	lh.ds.setLastKeepAlive(time.Now())
}

func (lh *LocalCommandHandler) SendKeepAliveConfirmation() {
}

func (lh *LocalCommandHandler) Start() error {
	return lh.w.start(lh.run)
}

func (lh *LocalCommandHandler) run(exit <-chan struct{}) {
	for {
		select {
		case <-exit:
			return
		case <-lh.wake:
			lh.executePending()
		}
	}
}

func (lh *LocalCommandHandler) executePending() {
	lh.mu.Lock()
	queue := lh.queue
	lh.queue = nil
	lh.mu.Unlock()

	for _, cmd := range queue {
		lh.execute(cmd)
	}
}

func (lh *LocalCommandHandler) execute(cmd *DataElement) {
	lc := &LocalCommand{
		l:         lh.l,
		DataStore: lh.ds,
		Command:   cmd,
	}

	argv := []string{LocalCommandName(cmd.Name())}
	for _, child := range cmd.Children() {
		switch {
		case child.IsReference():
			if lc.Subject == nil {
				lc.Subject = lh.ds.Find(child.ID())
			}
		case child.Type() == TypeArgument:
			argv = append(argv, child.Name())
		case child.Type() == TypeStatus:
			lc.Status = child
		}
	}

	lh.l.Tracef("local command: %s", EscapeValue(strings.Join(argv, " ")))

	err := lh.cmdLine.ProcessWithContext(lc, argv)
	if lc.Status == nil {
		if err != nil {
			lh.l.Warnf("local command %s failed: %s", cmd.Name(), err)
		}
		return
	}

	if err != nil {
		lh.l.Debugf("local command %s failed: %s", cmd.Name(), err)
		lc.Status.SetAttribute(AttrValue, "error: "+err.Error())
	}
	lc.Status.SetAttribute(AttrName, "done")
	lh.ds.Refresh(lc.Status)
}

// Stop ends the goroutine, then runs any commands still queued.
func (lh *LocalCommandHandler) Stop() {
	lh.w.stop()
	lh.executePending()
}

func fnEcho(args cmdline.Values) (err error) {
	lc := args[""].(*LocalCommand)
	text := args["text"].(string)

	parent := lc.Subject
	if parent == nil {
		parent = lc.DataStore.HostRoot()
	}

	lc.DataStore.CreateObject(parent, TypeResult, text, "")
	lc.DataStore.Refresh(parent)
	return
}

func fnExit(args cmdline.Values) (err error) {
	lc := args[""].(*LocalCommand)
	lc.l.Trace("local session exit requested")
	return
}

func fnValidateTicket(args cmdline.Values) (err error) {
	lc := args[""].(*LocalCommand)
	ticket := lc.DataStore.Ticket()
	if ticket == nil {
		ticket = lc.DataStore.CreateTicket(args["ticket"].(string))
	}
	ticket.SetAttribute(AttrValue, "valid")
	lc.DataStore.Refresh(ticket)
	return
}

func fnSetPreference(args cmdline.Values) (err error) {
	lc := args[""].(*LocalCommand)
	lc.DataStore.SetPreference(args["name"].(string), args["value"].(string), false)
	return
}
