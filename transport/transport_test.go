package transport_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"

	"github.com/timzifer/funcgen/dac"
	"github.com/timzifer/funcgen/transport"
	"github.com/timzifer/funcgen/transport/transporttest"
)

func TestWriteFramesWithChipSelect(t *testing.T) {
	rec := transporttest.New()
	dev := rec.Device()

	require.NoError(t, dev.Write([]byte{0x30, 0x10}))

	events := rec.Events()
	require.Len(t, events, 3)
	require.Equal(t, transporttest.Event{Kind: transporttest.KindCS, Level: gpio.Low}, events[0])
	require.Equal(t, transporttest.KindTx, events[1].Kind)
	require.Equal(t, []byte{0x30, 0x10}, events[1].Data)
	require.Equal(t, transporttest.Event{Kind: transporttest.KindCS, Level: gpio.High}, events[2])
}

func TestWriteReleasesChipSelectOnFailure(t *testing.T) {
	rec := transporttest.New()
	boom := errors.New("bus gone")
	rec.FailAfter(0, boom)
	dev := rec.Device()

	require.ErrorIs(t, dev.Write([]byte{0, 0}), boom)
	require.Equal(t, []gpio.Level{gpio.Low, gpio.High}, rec.Levels(transporttest.KindCS))
}

func TestPowerDownWritesShutdownWord(t *testing.T) {
	rec := transporttest.New()
	dev := rec.Device()

	require.NoError(t, dev.PowerDown(dac.ChannelB))
	transfers := rec.Transfers()
	require.Len(t, transfers, 1)
	decoded, err := dac.DecodeFrame(transfers[0])
	require.NoError(t, err)
	require.Equal(t, dac.ChannelB, decoded.Channel)
	require.False(t, decoded.Active)
}

func TestLatchedHoldsLatchAroundWrites(t *testing.T) {
	rec := transporttest.New()
	dev := rec.Device()

	err := dev.Latched(func() error {
		return dev.WriteWord(0x3123)
	})
	require.NoError(t, err)

	kinds := make([]string, 0)
	for _, ev := range rec.Events() {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []string{
		transporttest.KindLDAC, transporttest.KindCS, transporttest.KindTx, transporttest.KindCS, transporttest.KindLDAC,
	}, kinds)
	require.Equal(t, []gpio.Level{gpio.High, gpio.Low}, rec.Levels(transporttest.KindLDAC))
}

func TestLatchedReleasesOnError(t *testing.T) {
	rec := transporttest.New()
	dev := rec.Device()
	boom := errors.New("boom")

	require.ErrorIs(t, dev.Latched(func() error { return boom }), boom)
	require.Equal(t, []gpio.Level{gpio.High, gpio.Low}, rec.Levels(transporttest.KindLDAC))
}

func TestClaimIsExclusivePerChannel(t *testing.T) {
	dev := transport.NewDiscard()

	require.NoError(t, dev.Claim(dac.ChannelA, "stream"))
	require.NoError(t, dev.Claim(dac.ChannelB, "direct"))

	err := dev.Claim(dac.ChannelA, "direct")
	require.ErrorIs(t, err, transport.ErrClaimed)
	require.Contains(t, err.Error(), "fully resetting the device")

	owner, ok := dev.Claimed(dac.ChannelA)
	require.True(t, ok)
	require.Equal(t, "stream", owner)

	dev.Release(dac.ChannelA, "direct")
	_, ok = dev.Claimed(dac.ChannelA)
	require.True(t, ok, "release by a non-owner must not free the channel")

	dev.Release(dac.ChannelA, "stream")
	_, ok = dev.Claimed(dac.ChannelA)
	require.False(t, ok)
}

func TestStatusFollowsAnyStreamingChannel(t *testing.T) {
	rec := transporttest.New()
	dev := rec.Device()

	require.NoError(t, dev.SetStreaming(dac.ChannelA, true))
	require.NoError(t, dev.SetStreaming(dac.ChannelB, true))
	require.NoError(t, dev.SetStreaming(dac.ChannelA, false))
	require.NoError(t, dev.SetStreaming(dac.ChannelB, false))

	require.Equal(t, []gpio.Level{gpio.High, gpio.High, gpio.High, gpio.Low}, rec.Levels(transporttest.KindLED))
}

func TestResetDrivesIdleLevels(t *testing.T) {
	rec := transporttest.New()
	dev := rec.Device()

	require.NoError(t, dev.Reset())
	require.Equal(t, []gpio.Level{gpio.High}, rec.Levels(transporttest.KindCS))
	require.Equal(t, []gpio.Level{gpio.Low}, rec.Levels(transporttest.KindLDAC))
	require.Equal(t, []gpio.Level{gpio.Low}, rec.Levels(transporttest.KindLED))
}

func TestDefaultSettingsMatchBoard(t *testing.T) {
	s := transport.DefaultSettings()
	require.Equal(t, 8, s.Bits)
	require.Equal(t, "GPIO13", s.CSPin)
	require.Equal(t, "GPIO12", s.LDACPin)
	require.Equal(t, "GPIO25", s.StatusPin)
}
