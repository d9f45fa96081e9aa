package iface

import (
	"strings"
	"time"
)

type BalancerIterFunc func(key int, val IELoop) bool

type Balancer int

type PollTaskArg interface{}

type PollTaskFunc func(arg PollTaskArg) error

// Ops is a set of operations a channel can be registered for or be ready on.
type Ops uint8

func (o Ops) Has(other Ops) bool { return o&other == other && other != 0 }

func (o Ops) Any(other Ops) bool { return o&other != 0 }

func (o Ops) String() string {
	if o == 0 {
		return "none"
	}
	var names []string
	for _, op := range []struct {
		op   Ops
		name string
	}{{OpAccept, "accept"}, {OpConnect, "connect"}, {OpRead, "read"}, {OpWrite, "write"}} {
		if o&op.op != 0 {
			names = append(names, op.name)
		}
	}
	return strings.Join(names, "|")
}

// Kind is the closed set of channel variants.
type Kind uint8

// ValidOps is fixed per kind.
func (k Kind) ValidOps() Ops {
	switch k {
	case KindListener:
		return OpAccept
	case KindStream:
		return OpConnect | OpRead | OpWrite
	case KindDatagram:
		return OpRead | OpWrite
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case KindListener:
		return "listener"
	case KindStream:
		return "stream"
	case KindDatagram:
		return "datagram"
	default:
		return "unknown"
	}
}

type Options struct {
	NumOfLoops         int
	LoadBalancer       Balancer
	ReuseAddr          bool
	ReusePort          bool
	SocketWriteBuffer  int
	SocketReadBuffer   int
	WriteBuffer        int
	ReadBuffer         int
	ConnKeepAlive      time.Duration
	TCPNoDelay         bool
	LockOSThread       bool
	PollTimeout        time.Duration // negative blocks until an event or a wake-up
	MaxPacketsPerCycle int
}

// Normalize fills zero values with defaults and returns the same Options.
func (that *Options) Normalize() *Options {
	if that.NumOfLoops <= 0 {
		that.NumOfLoops = 1
	}
	if that.ReadBuffer <= 0 {
		that.ReadBuffer = DefaultReadBuffer
	}
	if that.WriteBuffer <= 0 {
		that.WriteBuffer = MaxStreamBufferCap
	}
	if that.PollTimeout == 0 {
		that.PollTimeout = -1
	}
	if that.MaxPacketsPerCycle <= 0 {
		that.MaxPacketsPerCycle = DefaultMaxPacketsPerCycle
	}
	return that
}

// LoopStat is a snapshot of one event loop.
type LoopStat struct {
	Index         int   `json:"index"`
	Connections   int32 `json:"connections"`
	Registrations int   `json:"registrations"`
}
