package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/jimsnab/go-cmdline"
	dstore "github.com/jimsnab/go-dstore-client"
	"github.com/jimsnab/go-lane"
	"golang.org/x/term"
)

type (
	mainEngine struct {
		mu              sync.Mutex
		args            cmdline.Values
		l               lane.Lane
		cc              *dstore.ClientConnection
		profile         *dstore.Profile
		index           *dstore.TreeIndex
		indexFile       string
		timeout         time.Duration
		exitSaver       chan struct{}
		saverTerminated chan struct{}
		canExit         chan struct{}
		terminating     bool
	}

	launchOptions struct {
		daemon     bool
		user       string
		daemonPort int
	}
)

func main() {
	cl := cmdline.NewCommandLine()

	cl.RegisterCommand(
		mainHandler,
		"~ [<string-host>]?Connects to a DataStore server on <host> and prints the changes it sends. The default host is localhost.",
		"[--trace]?Enable trace logging",
		"[--port <int-port>]?Server port; with --daemon, the port to ask the daemon for",
		"[--daemon]?Ask the daemon on <host> to launch the server first",
		"[--daemon-port <int-daemonport>]?Daemon port. The default is 4075.",
		"[--user <string-user>]?User name for the daemon; the password is prompted",
		"[--ssl]?Use SSL for the server connection",
		"[--keystore <string-keystore>]?PEM or PKCS#12 key store for the server connection",
		"[--daemon-ssl]?Use SSL for the daemon connection",
		"[--daemon-keystore <string-daemonkeystore>]?PEM or PKCS#12 key store for the daemon connection",
		"[--timeout <int-timeout>]?Connect timeout in seconds; 0 waits forever",
		"[--ticket <string-ticket>]?Access ticket to show the server",
		"[--config <string-config>]?YAML profile with connection settings",
		"[--index <string-index>]?Keep an index of the received tree in <index>",
		"[--exec <string-command>]?Run a command on the host root once connected",
		"[--local]?Use an in-process server instead of a remote one",
	)

	args := os.Args[1:] // exclude executable name in os.Args[0]
	err := cl.Process(args)
	if err != nil {
		cl.Help(err, "dstore-client", args)
	}
}

func mainHandler(args cmdline.Values) error {
	eng := mainEngine{args: args}

	if err := eng.start(); err != nil {
		return err
	}
	eng.waitForTermination()

	return nil
}

func (eng *mainEngine) start() error {
	eng.l = lane.NewLogLane(context.Background())

	isTrace := eng.args["--trace"].(bool)
	if !isTrace {
		eng.l.SetLogLevel(lane.LogLevelInfo)
	}

	eng.cc = dstore.NewClientConnection(eng.l, nil)
	if err := eng.configure(); err != nil {
		return err
	}

	eng.index = dstore.NewTreeIndex(eng.l)
	if eng.indexFile != "" {
		if _, err := os.Stat(eng.indexFile); err == nil {
			if err = eng.index.Load(eng.l, eng.indexFile); err != nil {
				return err
			}
		}
	}
	eng.cc.DomainNotifier().AddListener(eng.index)
	eng.cc.DomainNotifier().AddListener(dstore.DomainListenerFunc(eng.printEvent))

	var status *dstore.ConnectionStatus
	if eng.args["--local"].(bool) {
		status = eng.cc.LocalConnect()
	} else {
		status = eng.connect()
	}
	if !status.Connected {
		fmt.Println(status.Message)
		os.Exit(1)
	}
	if status.Message != "" {
		fmt.Println(status.Message)
	}

	fmt.Printf("\n\nConnected to %s\n\nPress any key to disconnect\n\n", eng.cc.Attributes().Get(dstore.KeyHostName))

	if eng.args["--exec"].(bool) {
		fields := strings.Fields(eng.args["command"].(string))
		if len(fields) > 0 {
			ds := eng.cc.DataStore()
			ds.Command(fields[0], ds.HostRoot(), fields[1:]...)
		}
	}

	// launch termination monitors
	eng.canExit = make(chan struct{})
	eng.killSignalMonitor()
	eng.exitKeyMonitor()
	eng.connectionMonitor()

	// launch periodic save goroutine
	eng.periodicSave()
	return nil
}

func (eng *mainEngine) configure() error {
	if eng.args["--config"].(bool) {
		profile, err := dstore.LoadProfile(eng.args["config"].(string))
		if err != nil {
			return err
		}
		profile.Apply(eng.cc)
		eng.timeout = profile.TimeoutDuration()
		eng.profile = profile
	}

	host := eng.args["host"].(string)
	if host != "" {
		eng.cc.SetHost(host)
	}

	if eng.args["--port"].(bool) {
		eng.cc.SetPort(eng.args["port"].(int))
	}

	if eng.args["--timeout"].(bool) {
		eng.timeout = time.Duration(eng.args["timeout"].(int)) * time.Second
	}

	if eng.args["--ssl"].(bool) || eng.args["--keystore"].(bool) {
		ssl := dstore.SSLProperties{Enabled: true}
		if eng.args["--keystore"].(bool) {
			ssl.KeyStorePath = eng.args["keystore"].(string)
			ssl.KeyStorePassword = os.Getenv("DSTORE_KEYSTORE_PASSWORD")
		}
		eng.cc.SetSSLProperties(ssl)
	}

	if eng.args["--daemon-ssl"].(bool) || eng.args["--daemon-keystore"].(bool) {
		ssl := dstore.SSLProperties{Enabled: true}
		if eng.args["--daemon-keystore"].(bool) {
			ssl.KeyStorePath = eng.args["daemonkeystore"].(string)
			ssl.KeyStorePassword = os.Getenv("DSTORE_DAEMON_KEYSTORE_PASSWORD")
		}
		eng.cc.SetDaemonSSLProperties(ssl)
	}

	if eng.args["--index"].(bool) {
		eng.indexFile = eng.args["index"].(string)
	}
	return nil
}

func (eng *mainEngine) connect() *dstore.ConnectionStatus {
	ticket := ""
	if eng.args["--ticket"].(bool) {
		ticket = eng.args["ticket"].(string)
	}

	lo := resolveLaunchOptions(eng.profile, eng.args)
	if lo.daemon {
		launched := eng.tryWithTrust(func() *dstore.ConnectionStatus {
			return eng.cc.LaunchServer(lo.user, eng.promptPassword(lo.user), lo.daemonPort, eng.timeout)
		})
		if !launched.Connected {
			return launched
		}
		ticket = launched.Ticket
	}

	status := eng.tryWithTrust(func() *dstore.ConnectionStatus {
		return eng.cc.Connect(ticket, eng.timeout)
	})
	if status.Connected {
		eng.cc.DataStore().ShowTicket(ticket)
	}
	return status
}

// daemon settings come from the profile, if any, and the flags override them
func resolveLaunchOptions(profile *dstore.Profile, args cmdline.Values) (lo launchOptions) {
	if profile != nil {
		lo.daemon = profile.Daemon
		lo.user = profile.User
		lo.daemonPort = profile.DaemonPort
	}

	if args["--daemon"].(bool) {
		lo.daemon = true
	}
	if args["--user"].(bool) {
		lo.user = args["user"].(string)
	}
	if args["--daemon-port"].(bool) {
		lo.daemonPort = args["daemonport"].(int)
	}
	return
}

// runs attempt, and once more if the user accepts an untrusted certificate
func (eng *mainEngine) tryWithTrust(attempt func() *dstore.ConnectionStatus) *dstore.ConnectionStatus {
	status := attempt()
	if !status.SSLProblem || len(status.UntrustedCertificates) == 0 {
		return status
	}

	fmt.Println(status.Message)
	for _, cert := range status.UntrustedCertificates {
		fmt.Printf("  subject: %s\n  issuer: %s\n  expires: %s\n", cert.Subject, cert.Issuer, cert.NotAfter.Format(time.RFC1123))
	}
	fmt.Print("Trust this certificate? [y/N] ")

	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	if strings.ToLower(strings.TrimSpace(answer)) != "y" {
		return status
	}

	eng.cc.TrustCertificates(status.UntrustedCertificates)
	return attempt()
}

func (eng *mainEngine) promptPassword(user string) string {
	fmt.Printf("Password for %s: ", user)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		eng.l.Warnf("unable to read password: %s", err)
		return ""
	}
	return string(pw)
}

func (eng *mainEngine) printEvent(ev *dstore.DomainEvent) {
	fmt.Printf("%s: %s\r\n", ev.Type, strings.Join(ev.Parent.Path(), "/"))
	if ev.Type == dstore.EventInsert {
		for _, child := range ev.Parent.Children() {
			fmt.Printf("    %s\r\n", child)
		}
	}
}

func (eng *mainEngine) startTermination() {
	// ensure only one termination
	eng.mu.Lock()
	isTerminating := eng.terminating
	eng.terminating = true
	eng.mu.Unlock()

	if isTerminating {
		return
	}

	go func() { eng.onTerminate() }()
}

func (eng *mainEngine) onTerminate() {
	eng.l.Tracef("disconnecting")
	eng.cc.Disconnect()

	// stop the periodic saver (if running)
	if eng.exitSaver != nil {
		eng.l.Tracef("closing index saver")
		eng.exitSaver <- struct{}{}
		<-eng.saverTerminated
		eng.l.Tracef("index saver closed")
	}

	eng.canExit <- struct{}{}
}

func (eng *mainEngine) killSignalMonitor() {
	// register a graceful termination handler
	sigs := make(chan os.Signal, 10)
	signal.Notify(sigs, os.Interrupt)

	go func() {
		sig := <-sigs
		eng.l.Infof("termination %s signaled", sig)
		eng.startTermination()
	}()
}

func (eng *mainEngine) exitKeyMonitor() {
	// Start a go routine to detect a keypress. Upon termination
	// triggered another way, this goroutine will leak. Go does
	// not give a reasonable way to cancel a blocking I/O call.
	go func() {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			fmt.Println(err)
			return
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		b := make([]byte, 1)
		_, err = os.Stdin.Read(b)
		if err == nil {
			eng.startTermination()
		}
	}()
}

func (eng *mainEngine) connectionMonitor() {
	// the peer can end the session or drop the socket
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if !eng.cc.DataStore().IsConnected() {
				eng.l.Infof("connection ended: %s", eng.cc.DataStore().Status().Name())
				eng.startTermination()
				return
			}
		}
	}()
}

func (eng *mainEngine) periodicSave() {
	// make a periodic save that will also ensure save upon termination
	if eng.indexFile != "" {
		eng.exitSaver = make(chan struct{})
		eng.saverTerminated = make(chan struct{})
		go func() {
			timer := time.NewTicker(time.Second)
			for {
				select {
				case <-eng.exitSaver:
					eng.l.Trace("saver loop is exiting")
					timer.Stop()
					eng.index.Save(eng.l, eng.indexFile)
					eng.saverTerminated <- struct{}{}
					return
				case <-timer.C:
					eng.index.Save(eng.l, eng.indexFile)
				}
			}
		}()
	}
}

func (eng *mainEngine) waitForTermination() {
	// wait for the session to end
	<-eng.canExit
	eng.l.Info("client finished")
}
