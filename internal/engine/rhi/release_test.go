package rhi_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
	"github.com/Faultbox/midgard-bake/internal/engine/rhi/headless"
)

func newBuffer(t *testing.T, dev rhi.Device, label string, size uint64) rhi.Buffer {
	t.Helper()
	buf, err := dev.CreateBuffer(rhi.BufferDesc{Label: label, Size: size, Usage: rhi.BufferUsageStorage | rhi.BufferUsageCopyDst})
	require.NoError(t, err)
	return buf
}

func TestReleaseQueueWaitsForFence(t *testing.T) {
	dev := headless.New(headless.Options{FenceLatency: 2}, nil)
	q := rhi.NewReleaseQueue(dev, nil)

	old := newBuffer(t, dev, "old", 64)
	q.Defer(old) // keyed to fence 1
	dev.Submit(dev.Begin())

	assert.Equal(t, 0, q.Collect(), "fence 1 still in flight")
	assert.Equal(t, 1, q.Len())

	dev.Submit(dev.Begin())
	assert.Equal(t, 0, q.Collect())

	dev.Submit(dev.Begin()) // completes fence 1
	assert.Equal(t, 1, q.Collect())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, dev.Destroyed())
}

func TestReleaseQueueFlush(t *testing.T) {
	dev := headless.New(headless.Options{FenceLatency: 8}, nil)
	q := rhi.NewReleaseQueue(dev, nil)

	for i := 0; i < 3; i++ {
		q.Defer(newBuffer(t, dev, "tmp", 16))
		dev.Submit(dev.Begin())
	}
	q.Defer(nil)
	q.Defer(newBuffer(t, dev, "never submitted", 16))
	require.Equal(t, 4, q.Len())

	q.Flush()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, dev.LiveResources())
}

func TestStagingBufferBudget(t *testing.T) {
	dev := headless.New(headless.Options{}, nil)
	staging, err := rhi.NewStagingBuffer(dev, 64)
	require.NoError(t, err)

	dst := newBuffer(t, dev, "dst", 128)
	rec := dev.Begin()

	assert.True(t, staging.Upload(rec, dst, 8, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	assert.Equal(t, uint64(8), staging.Used())

	// Rounded up to 4 bytes.
	assert.True(t, staging.Upload(rec, dst, 32, []byte{9, 9, 9}))
	assert.Equal(t, uint64(12), staging.Used())

	assert.False(t, staging.Upload(rec, dst, 0, make([]byte, 60)), "over budget")
	assert.Equal(t, uint64(52), staging.Remaining())

	dev.Submit(rec)
	hb := dst.(*headless.Buffer)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, hb.Data[8:16])
	assert.Equal(t, []byte{9, 9, 9}, hb.Data[32:35])

	staging.Reset()
	assert.Equal(t, uint64(64), staging.Remaining())
}

func TestShaderStageString(t *testing.T) {
	assert.Equal(t, "vertex|fragment", (rhi.ShaderStageVertex | rhi.ShaderStageFragment).String())
	assert.Equal(t, "none", rhi.ShaderStage(0).String())
}
