package task

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gary0122g/EnergyGateway/api"
	"github.com/gary0122g/EnergyGateway/device"
	"github.com/gary0122g/EnergyGateway/scheduler"
)

func ms(n float64) time.Duration {
	return time.Duration(n * float64(time.Millisecond))
}

func TestExecuteHarvestX10(t *testing.T) {
	env, _, _ := newTestEnv(t)
	dev := newFakeDevice("SN1")
	dev.readFn = func(call int) (device.Registers, error) {
		return device.Registers{"1": 1717 + call}, nil
	}
	h := NewHarvest(env, dev, time.UnixMilli(0))

	for i := 0; i < 9; i++ {
		next, err := h.Execute(time.UnixMilli(int64(i)))
		require.NoError(t, err)
		require.Equal(t, []scheduler.Task{h}, next)
	}
	require.Len(t, h.Barn(), 9)

	next, err := h.Execute(time.UnixMilli(17))
	require.NoError(t, err)
	require.Len(t, next, 2)
	require.Same(t, h, next[0])

	transport, ok := next[1].(*HarvestTransport)
	require.True(t, ok)
	batch := transport.Batch()
	require.Equal(t, "SN1", batch.SN)
	require.NotEmpty(t, batch.ID)

	expected := []api.Sample{}
	for i := 0; i < 9; i++ {
		expected = append(expected, api.Sample{MTS: int64(i), Registers: device.Registers{"1": 1717 + i}})
	}
	expected = append(expected, api.Sample{MTS: 17, Registers: device.Registers{"1": 1726}})
	require.Equal(t, expected, batch.Samples)
	require.Empty(t, h.Barn())

	// the next batch starts from scratch
	for i := 0; i < 9; i++ {
		next, _ = h.Execute(time.UnixMilli(int64(100 + i)))
		require.Len(t, next, 1)
	}
	next, _ = h.Execute(time.UnixMilli(200))
	require.Len(t, next, 2)
	require.Len(t, next[1].(*HarvestTransport).Batch().Samples, 10)
}

func TestVerboseEveryTenthRead(t *testing.T) {
	env, _, mClock := newTestEnv(t)
	dev := newFakeDevice("SN1")
	h := NewHarvest(env, dev, mClock.Now())

	for i := 0; i < 21; i++ {
		_, err := h.Execute(mClock.Now())
		require.NoError(t, err)
	}
	for i, v := range dev.verbose {
		require.Equal(t, i%10 == 0, v, "read %d", i)
	}
}

func TestAdaptiveBackoff(t *testing.T) {
	env, _, mClock := newTestEnv(t)
	dev := newFakeDevice("SN1")
	dev.readFn = func(call int) (device.Registers, error) {
		if call < 8 {
			return nil, errTimeout
		}
		return device.Registers{"1": call}, nil
	}
	h := NewHarvest(env, dev, mClock.Now())
	require.Equal(t, ms(1000), h.Backoff())

	for _, want := range []float64{2000, 4000, 8000, 16000, 32000, 64000, 128000, 256000} {
		next, err := h.Execute(mClock.Now())
		require.NoError(t, err)
		require.Equal(t, []scheduler.Task{h}, next)
		require.Equal(t, ms(want), h.Backoff())
	}
	require.Equal(t, 8, h.Failures())
	require.Error(t, h.LastError())

	// a success at the cap decays instead of resetting
	next, err := h.Execute(mClock.Now())
	require.NoError(t, err)
	require.Equal(t, []scheduler.Task{h}, next)
	require.Equal(t, ms(230400), h.Backoff())
	require.Equal(t, 0, h.Failures())
	require.NoError(t, h.LastError())

	_, _ = h.Execute(mClock.Now())
	require.Equal(t, ms(207360), h.Backoff())
}

func TestBackoffSaturatesThenTerminates(t *testing.T) {
	for _, floor := range []float64{1000, 1500, 3000} {
		env, _, mClock := newTestEnv(t)
		env.Config.HarvestInterval = ms(floor)
		dev := newFakeDevice("SN1")
		dev.readFn = func(int) (device.Registers, error) { return nil, errTimeout }
		registered(env, dev)

		h := NewHarvest(env, dev, mClock.Now())
		maxFailures := int(math.Ceil(math.Log2(float64(env.Config.MaxBackoff) / float64(env.Config.HarvestInterval))))

		prev := h.Backoff()
		for i := 1; i <= maxFailures; i++ {
			next, err := h.Execute(mClock.Now())
			require.NoError(t, err)
			require.Equal(t, []scheduler.Task{h}, next)
			require.GreaterOrEqual(t, h.Backoff(), prev)
			require.LessOrEqual(t, h.Backoff(), env.Config.MaxBackoff)
			prev = h.Backoff()
		}
		require.Equal(t, env.Config.MaxBackoff, h.Backoff(), "floor %v", floor)
		require.Same(t, dev, env.Board.FindSN("SN1"))

		// failing again while saturated hands the device over
		now := mClock.Now()
		next, err := h.Execute(now)
		require.NoError(t, err)
		require.Len(t, next, 1)

		reconnect, ok := next[0].(*DevicePerpetualTask)
		require.True(t, ok)
		require.Equal(t, "SN1", reconnect.Device().SN())
		require.NotSame(t, dev, reconnect.Device())
		require.Equal(t, now.Add(env.Config.RetryDelay), reconnect.Due())

		require.Equal(t, 1, dev.disconnects)
		require.Nil(t, env.Board.FindSN("SN1"))
		msgs := env.Board.Messages().List()
		require.Contains(t, msgs[len(msgs)-1].Text, "SN1 unreachable")
	}
}

func TestTerminateFlushesBarn(t *testing.T) {
	env, _, mClock := newTestEnv(t)
	env.Config.MaxBackoff = ms(4000)
	dev := newFakeDevice("SN1")
	dev.readFn = func(call int) (device.Registers, error) {
		if call < 3 {
			return device.Registers{"1": call}, nil
		}
		return nil, errTimeout
	}
	registered(env, dev)
	h := NewHarvest(env, dev, mClock.Now())

	var next []scheduler.Task
	for i := 0; i < 6; i++ {
		var err error
		next, err = h.Execute(time.UnixMilli(int64(i)))
		require.NoError(t, err)
		if len(next) != 1 || next[0] != scheduler.Task(h) {
			break
		}
	}

	require.Len(t, next, 2)
	transport := next[0].(*HarvestTransport)
	require.Len(t, transport.Batch().Samples, 3)
	require.IsType(t, &DevicePerpetualTask{}, next[1])
	require.Empty(t, h.Barn())
	require.Nil(t, env.Board.FindSN("SN1"))
}

func TestCadenceSubtractsReadTime(t *testing.T) {
	env, _, mClock := newTestEnv(t)
	dev := newFakeDevice("SN1")
	readTime := ms(300)
	fail := false
	dev.readFn = func(call int) (device.Registers, error) {
		mClock.Add(readTime)
		if fail {
			return nil, errTimeout
		}
		return device.Registers{"1": call}, nil
	}
	h := NewHarvest(env, dev, mClock.Now())

	now := mClock.Now()
	_, _ = h.Execute(now)
	require.Equal(t, now.Add(ms(1000)), h.Due(), "fast read keeps the nominal cadence")

	readTime = ms(1500)
	now = mClock.Now()
	_, _ = h.Execute(now)
	require.Equal(t, now.Add(ms(2500)), h.Due(), "slow read waits a full interval after finishing")

	readTime = ms(300)
	fail = true
	now = mClock.Now()
	_, _ = h.Execute(now)
	require.Equal(t, now.Add(ms(2300)), h.Due())
}

func TestBackoffDecaysToFloor(t *testing.T) {
	env, _, mClock := newTestEnv(t)
	dev := newFakeDevice("SN1")
	dev.readFn = func(call int) (device.Registers, error) {
		if call < 2 {
			return nil, errTimeout
		}
		return device.Registers{}, nil
	}
	h := NewHarvest(env, dev, mClock.Now())
	_, _ = h.Execute(mClock.Now())
	_, _ = h.Execute(mClock.Now())
	require.Equal(t, ms(4000), h.Backoff())

	prev := h.Backoff()
	for i := 0; i < 30; i++ {
		_, _ = h.Execute(mClock.Now())
		require.LessOrEqual(t, h.Backoff(), prev)
		require.GreaterOrEqual(t, h.Backoff(), env.Config.HarvestInterval)
		prev = h.Backoff()
	}
	require.Equal(t, env.Config.HarvestInterval, h.Backoff())
}

func TestClosedReadTerminatesImmediately(t *testing.T) {
	env, _, mClock := newTestEnv(t)
	dev := newFakeDevice("SN1")
	dev.readFn = func(int) (device.Registers, error) {
		return nil, &device.HarvestError{Kind: device.KindClosed, Op: "read"}
	}
	registered(env, dev)
	h := NewHarvest(env, dev, mClock.Now())

	next, err := h.Execute(mClock.Now())
	require.NoError(t, err)
	require.Len(t, next, 1)
	require.IsType(t, &DevicePerpetualTask{}, next[0])
	require.Nil(t, env.Board.FindSN("SN1"))
}

func TestTerminatedDeviceHandsOver(t *testing.T) {
	env, _, mClock := newTestEnv(t)
	dev := newFakeDevice("SN1")
	registered(env, dev)
	h := NewHarvest(env, dev, mClock.Now())

	_, _ = h.Execute(mClock.Now())
	dev.terminated = true

	next, err := h.Execute(mClock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, dev.reads, "a terminated device is not read")
	require.Len(t, next, 2)
	require.IsType(t, &HarvestTransport{}, next[0])
	require.IsType(t, &DevicePerpetualTask{}, next[1])
	require.Nil(t, env.Board.FindSN("SN1"))
}

func TestReadPanicIsProtocolFailure(t *testing.T) {
	env, _, mClock := newTestEnv(t)
	dev := newFakeDevice("SN1")
	dev.readFn = func(int) (device.Registers, error) { panic("driver bug") }
	h := NewHarvest(env, dev, mClock.Now())

	next, err := h.Execute(mClock.Now())
	require.NoError(t, err)
	require.Equal(t, []scheduler.Task{h}, next)
	require.Equal(t, ms(2000), h.Backoff())

	var herr *device.HarvestError
	require.ErrorAs(t, h.LastError(), &herr)
	require.Equal(t, device.KindProtocol, herr.Kind)
	require.Contains(t, herr.Error(), "driver bug")
}

func TestReadPanicKeepsDeviceHarvested(t *testing.T) {
	env, s, mClock := newTestEnv(t)
	NewHarvestFactory(env)
	dev := newFakeDevice("SN1")
	dev.open = false
	dev.readFn = func(int) (device.Registers, error) { panic("driver bug") }

	s.AddTask(NewDevicePerpetualTask(env, dev, mClock.Now()))
	require.True(t, s.Step(), "reconnect")
	require.True(t, s.Step(), "first harvest")

	require.Same(t, dev, env.Board.FindSN("SN1"))
	require.Equal(t, 1, s.Len(), "the harvest survives the panic")
	require.Equal(t, 1, dev.reads)

	// the harvest keeps polling, saturates and hands the device over
	for i := 0; i < 50 && env.Board.FindSN("SN1") != nil; i++ {
		mClock.Add(env.Config.MaxBackoff)
		for s.Step() {
		}
	}
	require.Nil(t, env.Board.FindSN("SN1"))
	require.Greater(t, dev.reads, 1)
	require.Equal(t, 1, s.Len(), "a reconnect task took over")
}
