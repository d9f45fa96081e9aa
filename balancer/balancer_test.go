package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moqsien/gkreactor/iface"
)

type fakeLoop struct {
	index int
	conns int32
}

func (f *fakeLoop) GetIndex() int                        { return f.index }
func (f *fakeLoop) GetConnCount() int32                  { return f.conns }
func (f *fakeLoop) GetPoller() iface.IPoller             { return nil }
func (f *fakeLoop) RegisterConn(iface.PollTaskArg) error { return nil }

func TestRoundRobinWraps(t *testing.T) {
	b := New(iface.RoundRobinLB)
	assert.Nil(t, b.Next())
	for i := 0; i < 3; i++ {
		b.Register(&fakeLoop{index: i})
	}
	require.Equal(t, 3, b.Len())

	var got []int
	for i := 0; i < 7; i++ {
		got = append(got, b.Next().GetIndex())
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, got)
}

func TestLeastConn(t *testing.T) {
	b := New(iface.LeastConnLB)
	assert.Nil(t, b.Next())
	loops := []*fakeLoop{{index: 0, conns: 3}, {index: 1, conns: 1}, {index: 2, conns: 1}}
	for _, l := range loops {
		b.Register(l)
	}
	assert.Equal(t, 1, b.Next().GetIndex())
	loops[1].conns = 5
	assert.Equal(t, 2, b.Next().GetIndex())
}

func TestIteratorStops(t *testing.T) {
	b := New(iface.RoundRobinLB)
	for i := 0; i < 4; i++ {
		b.Register(&fakeLoop{index: i})
	}
	var seen []int
	b.Iterator(func(key int, val iface.IELoop) bool {
		seen = append(seen, key)
		return key < 1
	})
	assert.Equal(t, []int{0, 1}, seen)
}
