package live

import (
	"github.com/google/uuid"
)

// State is the per-connection lifecycle. Disconnected is terminal;
// reconnecting creates a new Client rather than resuming the old one.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

// sendBuffer bounds per-subscriber queueing. A subscriber that falls this
// far behind is disconnected instead of stalling delivery to others.
const sendBuffer = 64

// Client is one live connection as the hub sees it. The transport owns the
// socket; the hub only ever touches the send channel and membership state.
type Client struct {
	id   string
	send chan []byte

	// state transitions happen under the hub mutex.
	state State
}

// NewClient prepares a connection in the Connecting state. It does not
// receive updates until Register moves it to Connected.
func NewClient() *Client {
	return &Client{
		id:   uuid.NewString(),
		send: make(chan []byte, sendBuffer),
	}
}

func (c *Client) ID() string { return c.id }

// Send is the outbound stream the transport pumps to the socket. It is
// closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }
