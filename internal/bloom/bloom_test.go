package bloom

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_NoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)

	ids := make([]string, 500)
	for i := range ids {
		ids[i] = fmt.Sprintf("cap-%d", i)
		f.Add(ids[i])
	}

	for _, id := range ids {
		assert.True(t, f.Contains(id), "added id must never report absent")
	}
}

func TestFilter_AbsentIDsMostlyReportFalse(t *testing.T) {
	f := New(1000, 0.001)
	f.Add("cap-present")

	falseCount := 0
	total := 1000
	for i := 0; i < total; i++ {
		if !f.Contains(fmt.Sprintf("cap-absent-%d", i)) {
			falseCount++
		}
	}
	// at 0.1% target FPR, the overwhelming majority of absent ids must read false
	assert.Greater(t, falseCount, total-50)
}

func TestFilter_ExportImportRoundTrip(t *testing.T) {
	f := New(500, 0.01)
	ids := []string{"a", "b", "c", "revoked-xyz"}
	for _, id := range ids {
		f.Add(id)
	}

	snap := f.Export()
	restored, err := Import(snap)
	require.NoError(t, err)

	for _, id := range ids {
		assert.True(t, restored.Contains(id))
	}
	m1, k1 := f.Params()
	m2, k2 := restored.Params()
	assert.Equal(t, m1, m2)
	assert.Equal(t, k1, k2)
}

func TestImport_RejectsCorruptSnapshot(t *testing.T) {
	snap := Snapshot{M: 128, K: 3, Bits: []uint64{1}} // wrong length for m=128
	_, err := Import(snap)
	assert.Error(t, err)
}

func TestFilter_ClearResetsMembership(t *testing.T) {
	f := New(100, 0.01)
	f.Add("cap-1")
	require.True(t, f.Contains("cap-1"))

	f.Clear()
	assert.False(t, f.Contains("cap-1"))
	assert.Equal(t, uint64(0), f.Count())
}

func TestFilter_ConcurrentAddAndContains(t *testing.T) {
	f := New(10_000, 0.001)
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.Add(fmt.Sprintf("cap-%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 200; i++ {
		assert.True(t, f.Contains(fmt.Sprintf("cap-%d", i)))
	}
}

func TestFilter_SizingFormula(t *testing.T) {
	f := New(100_000, 0.001)
	m, k := f.Params()
	// roughly 1.44 Mbits per the spec's worked example
	assert.InDelta(t, 1_438_000, m, 20_000)
	assert.GreaterOrEqual(t, k, uint64(1))
}
