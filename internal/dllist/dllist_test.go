package dllist_test

import (
	"testing"

	"github.com/srg/ioloop/internal/dllist"
	"github.com/stretchr/testify/require"
)

func TestListFIFOOrder(t *testing.T) {
	l := dllist.New[int]()
	l.PushBack(1)
	l.PushBack(2)
	l.PushBack(3)
	require.Equal(t, 3, l.Len())

	v, ok := l.PopFront()
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = l.PopFront()
	require.True(t, ok)
	require.Equal(t, 2, v)
	require.Equal(t, 1, l.Len())
}

func TestListRemoveArbitraryNode(t *testing.T) {
	l := dllist.New[string]()
	l.PushBack("a")
	mid := l.PushBack("b")
	l.PushBack("c")

	require.Equal(t, "b", l.Remove(mid))
	require.Equal(t, 2, l.Len())

	var order []string
	for n := l.Front(); n != nil; n = n.Next() {
		order = append(order, n.Value)
	}
	require.Equal(t, []string{"a", "c"}, order)
}

func TestDrainInvokesEveryElement(t *testing.T) {
	l := dllist.New[int]()
	for i := 0; i < 5; i++ {
		l.PushBack(i)
	}
	var seen []int
	l.Drain(func(v int) { seen = append(seen, v) })
	require.Equal(t, []int{0, 1, 2, 3, 4}, seen)
	require.Equal(t, 0, l.Len())
}
