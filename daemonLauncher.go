package dstore_client

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jimsnab/go-lane"
)

const (
	DefaultDaemonPort = 4075

	// the daemon's reply when the server is running
	daemonConnectedToken = "CONNECTED"
)

type (
	daemonRequest struct {
		ep       endpoint
		ssl      SSLProperties
		user     string
		password string
		port     int // 0 lets the daemon pick
	}
)

// launchViaDaemon asks the daemon to start (or reuse) a server. On success
// the status carries the ticket, and port is the server's actual port.
func launchViaDaemon(l lane.Lane, req *daemonRequest, trust TrustManager, localPath string, timeout time.Duration) (status *ConnectionStatus, port int) {
	if req.ep.port <= 0 || req.ep.port > 65535 {
		status = newFailedStatus(fmt.Sprintf("%s %d", InvalidDaemonPort, req.ep.port), nil)
		return
	}

	cxn, status := establishTransport(l, req.ep, req.ssl, trust, localPath, timeout)
	if status != nil {
		return
	}
	defer cxn.Close()

	if timeout > 0 {
		cxn.SetDeadline(time.Now().Add(timeout))
	}

	l.Debugf("requesting server launch from daemon %s for user %s", req.ep, req.user)
	request := fmt.Sprintf("%s\n%s\n%d\n", req.user, req.password, req.port)
	if _, err := cxn.Write([]byte(request)); err != nil {
		status = newFailedStatus(fmt.Sprintf("%s Daemon %s dropped the connection: %s", CannotConnect, req.ep, err), err)
		return
	}

	var reply [3]string
	for i := range reply {
		line, err := readLine(cxn)
		if err != nil {
			status = newFailedStatus(fmt.Sprintf("%s No response from daemon %s: %s", CannotConnect, req.ep, err), err)
			return
		}
		reply[i] = strings.TrimSpace(line)
	}

	if reply[0] != daemonConnectedToken {
		l.Infof("daemon %s refused to launch a server: %s", req.ep, reply[0])
		status = newFailedStatus(reply[0], nil)
		return
	}

	var err error
	if port, err = strconv.Atoi(reply[1]); err != nil || port <= 0 || port > 65535 {
		status = newFailedStatus(fmt.Sprintf("%s %s", InvalidServerPort, reply[1]), err)
		port = 0
		return
	}

	l.Infof("daemon %s launched server on port %d", req.ep, port)
	status = newConnectionStatus(true, "")
	status.Ticket = reply[2]
	return
}
