package sft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
)

type fakeSFT struct {
	name string
	live map[address.ObjectReference]bool
}

func (f *fakeSFT) Name() string { return f.name }
func (f *fakeSFT) InSpace(a address.Address) bool { return true }
func (f *fakeSFT) IsLive(o address.ObjectReference) bool { return f.live[o] }

func TestUpdateAndGet(t *testing.T) {
	base := address.Address(0)
	m := New(base)

	one := &fakeSFT{name: "one", live: map[address.ObjectReference]bool{}}
	two := &fakeSFT{name: "two", live: map[address.ObjectReference]bool{}}

	m.Update(one, base, address.BytesInChunk)
	m.Update(two, base.Add(address.BytesInChunk), address.BytesInChunk)

	require.Equal(t, one, m.Get(base.Add(10)))
	require.Equal(t, two, m.Get(base.Add(address.BytesInChunk+10)))
	require.Nil(t, m.Get(base.Add(2*address.BytesInChunk+10)))
	require.True(t, m.IsInSpace(base.Add(10)))
	require.False(t, m.IsInSpace(base.Add(2*address.BytesInChunk+10)))
}

func TestClearAndIsLive(t *testing.T) {
	base := address.Address(0)
	m := New(base)
	one := &fakeSFT{name: "one", live: map[address.ObjectReference]bool{}}
	m.Update(one, base, address.BytesInChunk)

	o := address.ObjectReference(base.Add(16))
	require.False(t, m.IsLiveObject(o))
	one.live[o] = true
	require.True(t, m.IsLiveObject(o))

	m.Clear(base, address.BytesInChunk)
	require.Nil(t, m.Get(base.Add(16)))
	require.False(t, m.IsLiveObject(o))
}
