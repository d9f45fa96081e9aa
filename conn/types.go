package conn

// State is the reactor state of one registration.
type State int32

const (
	AwaitingAccept State = iota
	AwaitingConnect
	AwaitingReadOnly
	AwaitingReadWrite
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingAccept:
		return "awaiting-accept"
	case AwaitingConnect:
		return "awaiting-connect"
	case AwaitingReadOnly:
		return "awaiting-read"
	case AwaitingReadWrite:
		return "awaiting-read-write"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type AsyncCallback func(c *Conn) error

type AsyncWriteHook struct {
	Go   AsyncCallback
	Data []byte
}

type AsyncWritevHook struct {
	Go   AsyncCallback
	Data [][]byte
}

// EventHandler receives the events of the connections of a loop. All
// callbacks run on the loop goroutine.
type EventHandler interface {
	// OnOpen fires once a stream is accepted or its connect completes. data
	// is written back at once, a non-nil err closes the connection.
	OnOpen(c *Conn) (data []byte, err error)
	// OnTrack fires when inbound bytes are available through c.Read.
	OnTrack(c *Conn) error
	// OnClose fires once per connection, err is nil on a clean EOF.
	OnClose(c *Conn, err error) error
	// OnPacket fires for every datagram received, the payload is p.Request.
	OnPacket(p *Peer) error
}
