package iface

const (
	RoundRobinLB Balancer = 0
	LeastConnLB  Balancer = 1
)

const (
	MaxStreamBufferCap        int = 64 << 10
	IovMax                    int = 1024
	MaxTasks                  int = 256
	DefaultReadBuffer         int = 64 << 10
	DefaultMaxPacketsPerCycle int = 64
	DefaultBacklog            int = 1024
)

// Interest and readiness operations.
const (
	OpAccept Ops = 1 << iota
	OpConnect
	OpRead
	OpWrite
)

const (
	KindListener Kind = iota + 1
	KindStream
	KindDatagram
)
