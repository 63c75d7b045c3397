package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"

	"github.com/timzifer/funcgen/dac"
	"github.com/timzifer/funcgen/transport"
	"github.com/timzifer/funcgen/transport/transporttest"
	"github.com/timzifer/funcgen/waveform"
)

const waitTimeout = 2 * time.Second

func fastSleep(time.Duration) {
	time.Sleep(20 * time.Microsecond)
}

func newTestEngine(t *testing.T, dev Device, ch dac.Channel, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithSettle(0), WithSleeper(fastSleep)}, opts...)
	engine, err := New(dev, ch, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop() })
	return engine
}

func testSine(t *testing.T, hold bool) *waveform.Waveform {
	t.Helper()
	wf, err := waveform.NewSine(waveform.Params{
		Vmin: waveform.V(0), Vmax: waveform.V(3), Freq: waveform.V(1), Resolution: 16, Hold: hold,
	})
	require.NoError(t, err)
	return wf
}

func testTriangle(t *testing.T) *waveform.Waveform {
	t.Helper()
	wf, err := waveform.NewTriangle(waveform.Params{
		Vmin: waveform.V(0.5), Vmax: waveform.V(2.5), Freq: waveform.V(1), Resolution: 10,
	}, 50)
	require.NoError(t, err)
	return wf
}

func frameWords(t *testing.T, wf *waveform.Waveform, ch dac.Channel) []uint16 {
	t.Helper()
	buf, err := wf.Render()
	require.NoError(t, err)
	frame := buf.Frame(ch)
	words := make([]uint16, 0, len(frame)/dac.FrameSize)
	for i := 0; i < len(frame); i += dac.FrameSize {
		words = append(words, binary.BigEndian.Uint16(frame[i:]))
	}
	return words
}

func transferWords(rec *transporttest.Recorder) []uint16 {
	transfers := rec.Transfers()
	words := make([]uint16, len(transfers))
	for i, tx := range transfers {
		words[i] = binary.BigEndian.Uint16(tx)
	}
	return words
}

func wordSet(groups ...[]uint16) map[uint16]bool {
	set := make(map[uint16]bool)
	for _, group := range groups {
		for _, w := range group {
			set[w] = true
		}
	}
	return set
}

func TestStartTwiceFails(t *testing.T) {
	rec := transporttest.New()
	engine := newTestEngine(t, rec.Device(), dac.ChannelA)

	require.NoError(t, engine.Start(testSine(t, false)))
	require.ErrorIs(t, engine.Start(testSine(t, false)), ErrAlreadyRunning)
	require.NoError(t, engine.Stop())
}

func TestStartStopStart(t *testing.T) {
	rec := transporttest.New()
	engine := newTestEngine(t, rec.Device(), dac.ChannelA)

	require.NoError(t, engine.Start(testSine(t, false)))
	require.NoError(t, engine.Stop())
	require.NoError(t, engine.Start(testSine(t, false)))
	require.NoError(t, engine.Stop())
}

func TestStopIsIdempotent(t *testing.T) {
	rec := transporttest.New()
	engine := newTestEngine(t, rec.Device(), dac.ChannelA)

	require.NoError(t, engine.Stop())
	require.Zero(t, rec.TxCount())

	require.NoError(t, engine.Start(testSine(t, true)))
	require.NoError(t, engine.Stop())
	count := rec.TxCount()
	require.NoError(t, engine.Stop())
	require.Equal(t, count, rec.TxCount())
}

func TestUpdateWithoutSessionFails(t *testing.T) {
	engine := newTestEngine(t, transport.NewDiscard(), dac.ChannelA)
	require.ErrorIs(t, engine.Update(testSine(t, false)), ErrNotRunning)
}

func TestTransitionDuringTransitionIsBusy(t *testing.T) {
	engine := newTestEngine(t, transport.NewDiscard(), dac.ChannelA)

	engine.state.Store(stateStopping)
	require.ErrorIs(t, engine.Start(testSine(t, false)), ErrBusy)
	require.ErrorIs(t, engine.Update(testSine(t, false)), ErrBusy)
	engine.state.Store(stateIdle)
}

func TestStopWaitsForTransitionInFlight(t *testing.T) {
	engine := newTestEngine(t, transport.NewDiscard(), dac.ChannelA)

	engine.state.Store(stateStopping)
	go func() {
		time.Sleep(20 * time.Millisecond)
		engine.state.Store(stateIdle)
	}()
	require.NoError(t, engine.Stop())
}

func TestConcurrentStopsAllSucceed(t *testing.T) {
	rec := transporttest.New()
	engine := newTestEngine(t, rec.Device(), dac.ChannelA)
	require.NoError(t, engine.Start(testSine(t, false)))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = engine.Stop()
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	_, active := engine.Active()
	require.False(t, active)
}

func TestStopReturnsAtHugeFrequency(t *testing.T) {
	wf, err := waveform.NewArbitrary([]float64{0, 1}, waveform.Params{Freq: waveform.V(1e19)})
	require.NoError(t, err)
	engine := newTestEngine(t, transport.NewDiscard(), dac.ChannelA)
	require.NoError(t, engine.Start(wf))

	done := make(chan error, 1)
	go func() { done <- engine.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("stop did not return")
	}
}

func TestStreamRepeatsEncodedFrame(t *testing.T) {
	rec := transporttest.New()
	engine := newTestEngine(t, rec.Device(), dac.ChannelB)
	wf := testSine(t, true)
	want := frameWords(t, wf, dac.ChannelB)

	require.NoError(t, engine.Start(wf))
	require.True(t, rec.WaitTransfers(3*len(want), waitTimeout))
	require.NoError(t, engine.Stop())

	got := transferWords(rec)
	require.GreaterOrEqual(t, len(got), 3*len(want))
	for i, w := range got {
		require.Equal(t, want[i%len(want)], w, "transfer %d", i)
	}
	require.Zero(t, len(got)%len(want), "stop is only honoured at the end of a period")
}

func TestUpdateOnlyWritesKnownFrames(t *testing.T) {
	rec := transporttest.New()
	engine := newTestEngine(t, rec.Device(), dac.ChannelA)
	before := testSine(t, false)
	after := testTriangle(t)

	require.NoError(t, engine.Start(before))
	require.True(t, rec.WaitTransfers(40, waitTimeout))

	require.NoError(t, engine.Update(after))
	active, ok := engine.Active()
	require.True(t, ok)
	require.Same(t, after, active)

	mark := rec.TxCount()
	require.True(t, rec.WaitTransfers(mark+30, waitTimeout))
	require.NoError(t, engine.Stop())

	allowed := wordSet(
		frameWords(t, before, dac.ChannelA),
		frameWords(t, after, dac.ChannelA),
		[]uint16{dac.ShutdownWord(dac.ChannelA), dac.ShutdownWord(dac.ChannelB)},
	)
	afterWords := wordSet(frameWords(t, after, dac.ChannelA))
	sawNew := false
	for i, w := range transferWords(rec) {
		require.True(t, allowed[w], "transfer %d wrote unexpected word %#04x", i, w)
		if afterWords[w] {
			sawNew = true
		}
	}
	require.True(t, sawNew)
}

func TestUpdateKeepsSessionWhenNewWaveformFails(t *testing.T) {
	rec := transporttest.New()
	engine := newTestEngine(t, rec.Device(), dac.ChannelA)
	wf := testSine(t, false)
	require.NoError(t, engine.Start(wf))

	tooFast, err := waveform.NewSine(waveform.Params{Vmin: waveform.V(0), Vmax: waveform.V(1), Freq: waveform.V(5000)})
	require.NoError(t, err)
	require.ErrorIs(t, engine.Update(tooFast), waveform.ErrUnreproducibleFrequency)

	active, ok := engine.Active()
	require.True(t, ok)
	require.Same(t, wf, active)

	mark := rec.TxCount()
	require.True(t, rec.WaitTransfers(mark+16, waitTimeout), "old session keeps streaming")
	require.NoError(t, engine.Stop())
}

func TestStopPowersDownBothChannels(t *testing.T) {
	rec := transporttest.New()
	engine := newTestEngine(t, rec.Device(), dac.ChannelA)

	require.NoError(t, engine.Start(testSine(t, false)))
	require.True(t, rec.WaitTransfers(16, waitTimeout))
	require.NoError(t, engine.Stop())

	words := transferWords(rec)
	require.GreaterOrEqual(t, len(words), 2)
	require.Equal(t, []uint16{dac.ShutdownWord(dac.ChannelA), dac.ShutdownWord(dac.ChannelB)}, words[len(words)-2:])
}

func TestStopWithHoldLeavesOutput(t *testing.T) {
	rec := transporttest.New()
	engine := newTestEngine(t, rec.Device(), dac.ChannelA)

	require.NoError(t, engine.Start(testSine(t, true)))
	require.True(t, rec.WaitTransfers(16, waitTimeout))
	require.NoError(t, engine.Stop())

	for _, w := range transferWords(rec) {
		require.True(t, dac.Decode(w).Active)
	}
}

func TestStopSparesChannelInUse(t *testing.T) {
	rec := transporttest.New()
	dev := rec.Device()
	engineA := newTestEngine(t, dev, dac.ChannelA)
	engineB := newTestEngine(t, dev, dac.ChannelB)

	require.NoError(t, engineA.Start(testSine(t, false)))
	require.NoError(t, engineB.Start(testSine(t, false)))
	require.True(t, rec.WaitTransfers(32, waitTimeout))

	require.NoError(t, engineA.Stop())
	for _, w := range transferWords(rec) {
		require.NotEqual(t, dac.ShutdownWord(dac.ChannelB), w)
	}
	_, ok := engineB.Active()
	require.True(t, ok)

	require.NoError(t, engineB.Stop())
	words := transferWords(rec)
	require.Contains(t, words, dac.ShutdownWord(dac.ChannelB))
}

func TestStatusPinFollowsSession(t *testing.T) {
	rec := transporttest.New()
	engine := newTestEngine(t, rec.Device(), dac.ChannelA)

	require.NoError(t, engine.Start(testSine(t, true)))
	require.Equal(t, []gpio.Level{gpio.High}, rec.Levels(transporttest.KindLED))
	require.NoError(t, engine.Stop())

	levels := rec.Levels(transporttest.KindLED)
	require.Equal(t, []gpio.Level{gpio.High, gpio.Low}, levels)
}

func TestTransportFailureSurfaces(t *testing.T) {
	rec := transporttest.New()
	boom := errors.New("bus gone")
	rec.FailAfter(20, boom)
	dev := rec.Device()
	engine := newTestEngine(t, dev, dac.ChannelA)

	err := engine.Run(context.Background(), testSine(t, false))
	require.ErrorIs(t, err, boom)

	_, ok := engine.Active()
	require.False(t, ok)
	_, claimed := dev.Claimed(dac.ChannelA)
	require.False(t, claimed)
}

func TestErrReportsDeadTask(t *testing.T) {
	rec := transporttest.New()
	boom := errors.New("bus gone")
	rec.FailAfter(20, boom)
	engine := newTestEngine(t, rec.Device(), dac.ChannelB)

	require.NoError(t, engine.Start(testSine(t, false)))
	require.Eventually(t, func() bool { return engine.Err() != nil }, 2*time.Second, time.Millisecond)
	require.ErrorIs(t, engine.Err(), boom)
	require.ErrorIs(t, engine.Stop(), boom)
	require.NoError(t, engine.Err())
}

func TestStartRejectsUnreproducibleFrequency(t *testing.T) {
	dev := transport.NewDiscard()
	engine := newTestEngine(t, dev, dac.ChannelA)

	wf, err := waveform.NewSine(waveform.Params{Vmin: waveform.V(0), Vmax: waveform.V(1), Freq: waveform.V(2000)})
	require.NoError(t, err)
	err = engine.Start(wf)
	require.ErrorIs(t, err, waveform.ErrUnreproducibleFrequency)
	require.Contains(t, err.Error(), "856 Hz")

	_, claimed := dev.Claimed(dac.ChannelA)
	require.False(t, claimed)
	require.NoError(t, engine.Start(testSine(t, false)))
}

func TestStartFailsWhenChannelClaimed(t *testing.T) {
	dev := transport.NewDiscard()
	require.NoError(t, dev.Claim(dac.ChannelA, "direct"))
	engine := newTestEngine(t, dev, dac.ChannelA)

	require.ErrorIs(t, engine.Start(testSine(t, false)), transport.ErrClaimed)
	_, ok := engine.Active()
	require.False(t, ok)
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	rec := transporttest.New()
	engine := newTestEngine(t, rec.Device(), dac.ChannelA)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- engine.Run(ctx, testSine(t, false)) }()

	require.True(t, rec.WaitTransfers(16, waitTimeout))
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("run did not return after cancel")
	}
	_, ok := engine.Active()
	require.False(t, ok)
}

type countingCollector struct {
	mu       sync.Mutex
	sessions int
	samples  uint64
	failures int
	stops    int
}

func (c *countingCollector) IncHotReload(string) {}

func (c *countingCollector) IncSession(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions++
}

func (c *countingCollector) AddSamples(_ string, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples += n
}

func (c *countingCollector) IncTransportError(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
}

func (c *countingCollector) ObserveStop(string, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

func TestTelemetryCountsSessionsAndSamples(t *testing.T) {
	rec := transporttest.New()
	collector := &countingCollector{}
	engine := newTestEngine(t, rec.Device(), dac.ChannelA, WithTelemetry(collector))

	require.NoError(t, engine.Start(testSine(t, true)))
	require.True(t, rec.WaitTransfers(16, waitTimeout))
	require.NoError(t, engine.Update(testTriangle(t)))
	require.NoError(t, engine.Stop())

	collector.mu.Lock()
	defer collector.mu.Unlock()
	require.Equal(t, 2, collector.sessions)
	require.Equal(t, 2, collector.stops)
	require.Zero(t, collector.failures)
	require.Equal(t, uint64(rec.TxCount()-2), collector.samples, "everything but the two power-down words")
}

func TestSampleDelay(t *testing.T) {
	overhead := waveform.WriteCostMicros * time.Microsecond
	require.Equal(t, 62427*time.Microsecond, sampleDelay(1, 16, overhead))
	require.Equal(t, 27*time.Microsecond, sampleDelay(10, 1000, overhead))
	require.Zero(t, sampleDelay(1000, 100, overhead))
	require.Equal(t, 333*time.Microsecond, sampleDelay(1000, 3, 0))
}

func TestCheckInterval(t *testing.T) {
	require.Equal(t, 1, checkInterval(0.25))
	require.Equal(t, 1, checkInterval(1))
	require.Equal(t, 440, checkInterval(440.7))
	require.Equal(t, maxCheckInterval, checkInterval(1e19))
	require.Equal(t, maxCheckInterval, checkInterval(math.MaxFloat64))
}

func TestOptionsRejectInvalidValues(t *testing.T) {
	dev := transport.NewDiscard()
	_, err := New(dev, dac.ChannelA, WithSettle(-time.Second))
	require.Error(t, err)
	_, err = New(dev, dac.ChannelA, WithSleeper(nil))
	require.Error(t, err)
	_, err = New(dev, dac.ChannelA, WithWriteOverhead(-time.Microsecond))
	require.Error(t, err)
	_, err = New(nil, dac.ChannelA)
	require.Error(t, err)
}
