package bus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syncap/syncap/pkg/bus"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := bus.New()
	b.Activate("/env/cameras/left/ImageData")

	var got []bus.Delivery
	err := b.Subscribe("/env/cameras/left/ImageData", func(d bus.Delivery) {
		got = append(got, d)
	})
	require.NoError(t, err)

	b.Publish("/env/cameras/left/ImageData", 100, []byte("a"))
	b.Publish("/env/cameras/left/ImageData", 200, []byte("b"))
	// unsubscribed address is ignored
	b.Publish("/env/other", 300, []byte("c"))

	require.Len(t, got, 2)
	assert.Equal(t, int64(100), got[0].Stamp)
	assert.Equal(t, []byte("b"), got[1].Payload)
	assert.Equal(t, uint64(3), b.Published())
}

func TestBus_SubscribeInactive(t *testing.T) {
	b := bus.New()
	err := b.Subscribe("/missing", func(bus.Delivery) {})
	assert.ErrorIs(t, err, bus.ErrChannelInactive)
}

func TestBus_ActiveChannelsSorted(t *testing.T) {
	b := bus.New()
	b.Activate("/b")
	b.Activate("/a")
	b.Activate("/a")

	assert.Equal(t, []string{"/a", "/b"}, b.ActiveChannels())
}

func TestBus_Close(t *testing.T) {
	b := bus.New()
	b.Activate("/a")

	calls := 0
	require.NoError(t, b.Subscribe("/a", func(bus.Delivery) { calls++ }))

	b.Close()
	b.Publish("/a", 1, nil)
	assert.Zero(t, calls)

	err := b.Subscribe("/a", func(bus.Delivery) {})
	assert.ErrorIs(t, err, bus.ErrBusClosed)
}
