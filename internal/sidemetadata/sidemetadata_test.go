package sidemetadata

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mmtk/mmtk-core-sub000/internal/address"
	"github.com/mmtk/mmtk-core-sub000/internal/mmapper"
)

func reserveScratch(t *testing.T, bytes int) address.Address {
	t.Helper()
	data, err := unix.Mmap(-1, 0, bytes+address.BytesInChunk, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	base := address.Address(uintptr(unsafe.Pointer(&data[0])))
	aligned := address.ChunkAlign(base.Add(address.BytesInChunk - 1))
	t.Cleanup(func() { _ = unix.Munmap(data) })
	return aligned
}

// TestBulkSetScanZero covers a spec with log_bits=1, log_region=3, setting
// every 8th byte's bit to 0b1 (a 1-bit entry, the simplest faithful
// instance of "one entry per 8-byte region").
func TestBulkSetScanZero(t *testing.T) {
	dataBase := reserveScratch(t, address.BytesInChunk)
	metaBase := reserveScratch(t, address.BytesInChunk)

	log := zap.NewNop()
	mapper := mmapper.NewTwoLevel(log, address.ChunkAlign(metaBase))

	spec := Spec{Name: "test-1bit", LogBitsPerEntry: 0, LogBytesPerRegion: 3}
	table := NewTable(spec, mapper, metaBase, dataBase, address.BytesInChunk)

	// Set bits at data addresses [0x0, 0x8, 0x10, ..., 0x38] (8 addresses).
	for i := 0; i < 8; i++ {
		d := dataBase.Add(uintptr(i) * 8)
		table.AtomicStore(d, 1)
	}

	count := 0
	table.BulkScan(dataBase, 0x40, func(_ address.Address, _ uint) { count++ })
	require.Equal(t, 8, count)

	table.ZeroRange(dataBase, 0x40)
	count = 0
	table.BulkScan(dataBase, 0x40, func(_ address.Address, _ uint) { count++ })
	require.Equal(t, 0, count)
}

func TestCompareAndSwapIdempotentMark(t *testing.T) {
	dataBase := reserveScratch(t, address.BytesInChunk)
	metaBase := reserveScratch(t, address.BytesInChunk)
	log := zap.NewNop()
	mapper := mmapper.NewTwoLevel(log, address.ChunkAlign(metaBase))
	spec := Spec{Name: "mark-bit", LogBitsPerEntry: 1, LogBytesPerRegion: 3}
	table := NewTable(spec, mapper, metaBase, dataBase, address.BytesInChunk)

	d := dataBase.Add(128)
	first := table.CompareAndSwap(d, 0, 1)
	second := table.CompareAndSwap(d, 0, 1)
	require.True(t, first)
	require.False(t, second)
	require.Equal(t, uint64(1), table.AtomicLoad(d))
}

func TestFetchAddAndOr(t *testing.T) {
	dataBase := reserveScratch(t, address.BytesInChunk)
	metaBase := reserveScratch(t, address.BytesInChunk)
	log := zap.NewNop()
	mapper := mmapper.NewTwoLevel(log, address.ChunkAlign(metaBase))
	spec := Spec{Name: "counter", LogBitsPerEntry: 3, LogBytesPerRegion: 3}
	table := NewTable(spec, mapper, metaBase, dataBase, address.BytesInChunk)

	d := dataBase.Add(64)
	prev := table.FetchAdd(d, 3)
	require.Equal(t, uint64(0), prev)
	require.Equal(t, uint64(3), table.AtomicLoad(d))

	prev = table.FetchOr(d, 0x4)
	require.Equal(t, uint64(3), prev)
	require.Equal(t, uint64(7), table.AtomicLoad(d))
}

func TestRegionStartIdempotent(t *testing.T) {
	spec := Spec{Name: "region", LogBitsPerEntry: 2, LogBytesPerRegion: 4}
	d := address.Address(0x123450)
	r1 := spec.RegionStart(d)
	r2 := spec.RegionStart(r1)
	require.Equal(t, r1, r2)
}

func TestBulkScanEmptyRangeNoop(t *testing.T) {
	dataBase := reserveScratch(t, address.BytesInChunk)
	metaBase := reserveScratch(t, address.BytesInChunk)
	log := zap.NewNop()
	mapper := mmapper.NewTwoLevel(log, address.ChunkAlign(metaBase))
	spec := Spec{Name: "empty", LogBitsPerEntry: 0, LogBytesPerRegion: 3}
	table := NewTable(spec, mapper, metaBase, dataBase, address.BytesInChunk)
	called := false
	table.BulkScan(dataBase, 0, func(address.Address, uint) { called = true })
	require.False(t, called)
}
