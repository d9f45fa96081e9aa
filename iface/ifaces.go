package iface

import "net"

type IFd interface {
	GetFd() int
}

// Key is what a channel knows about its live registration.
type Key interface {
	IsValid() bool
	Cancel()
	// Refresh re-syncs the native interest after the channel changed state.
	Refresh() error
}

// Selectable is a channel that can be registered with a poller.
type Selectable interface {
	IFd
	Kind() Kind
	ValidOps() Ops
	IsOpen() bool
	IsBlocking() bool
	Key() Key
	// AttachKey binds k as the live registration, it fails on a closed channel
	// or when another valid registration is attached.
	AttachKey(k Key) error
	// DetachKey drops k if it is still the attached registration.
	DetachKey(k Key)
	// NativeInterest maps interest ops onto the sys event bits for the current state.
	NativeInterest(ops Ops) uint32
	// TranslateReady maps polled sys event bits back onto ready ops.
	TranslateReady(events uint32, interest Ops) Ops
}

type IPoller interface {
	Wake() error
	AddTask(f PollTaskFunc, arg PollTaskArg) error
	AddPriorTask(f PollTaskFunc, arg PollTaskArg) error
}

type IELoop interface {
	GetIndex() int
	GetConnCount() int32
	GetPoller() IPoller
	RegisterConn(arg PollTaskArg) error
}

type IBalancer interface {
	Register(IELoop)
	Next(addr ...net.Addr) IELoop
	Iterator(f BalancerIterFunc)
	Len() int
}

type IStatser interface {
	Stats() []LoopStat
}
