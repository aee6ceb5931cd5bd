package logservice

import (
	"time"

	"github.com/cms-dev/cms-sub006/internal/rpc"
)

// Client forwards log records to the sink. It satisfies logging.Forwarder,
// so it plugs straight into a ForwardHandler.
//
// Forwarding is fire and forget: when the sink is down the record is dropped
// (it is still written locally), and no response is awaited, so the handler
// never blocks the logging goroutine on the network.
type Client struct {
	remote  *rpc.RemoteService
	service string
}

// NewClient returns a forwarder that ships records from the named service
// over the given connection.
func NewClient(remote *rpc.RemoteService, service string) *Client {
	return &Client{remote: remote, service: service}
}

// ForwardLog implements logging.Forwarder.
func (c *Client) ForwardLog(severity, message, component string, timestamp time.Time) {
	c.remote.Call("log", map[string]any{
		"severity":  severity,
		"message":   message,
		"component": component,
		"service":   c.service,
		"timestamp": timestamp.Format(time.RFC3339Nano),
	}, nil, nil)
}
