package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camnode/internal/camera"
)

type fixture struct {
	sched  *Scheduler
	timer  *fakeTimer
	sensor *camera.MockSensor
	out    *fakeBroadcaster
	lamp   *fakeLamp
	pulses *fakePulses
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		sensor: camera.NewMockSensor(16, 16),
		out:    newFakeBroadcaster(),
		lamp:   &fakeLamp{flash: 80},
		pulses: &fakePulses{},
	}
	f.sched = New(cfg, camera.NewSource(f.sensor), f.out, f.lamp, f.pulses, fixedClock(42))
	var factory TimerFactory
	f.timer, factory = newFakeTimerFactory()
	f.sched.InitTimer(factory)
	t.Cleanup(f.sched.Close)
	return f
}

func TestStartStream_Capacity(t *testing.T) {
	f := newFixture(t, Config{MaxStreams: 2})
	s := f.sched

	assert.Equal(t, Success, s.StartStream("A", ModeStream))
	assert.Equal(t, Success, s.StartStream("B", ModeStream))
	assert.Equal(t, NumExceeded, s.StartStream("C", ModeStream))
	assert.Equal(t, 2, s.Stats().Streaming)

	assert.Equal(t, Success, s.StopStream("A"))
	assert.Equal(t, Success, s.StartStream("C", ModeStream))

	assert.Equal(t, 1, f.timer.starts, "タイマーは最初のクライアントでのみ開始する")
	assert.Zero(t, f.timer.stops)
	assert.True(t, s.Stats().Armed)
}

func TestStartStream_Results(t *testing.T) {
	t.Run("二重登録", func(t *testing.T) {
		f := newFixture(t, Config{MaxStreams: 2})
		require.Equal(t, Success, f.sched.StartStream("A", ModeStream))
		assert.Equal(t, AlreadyRegistered, f.sched.StartStream("A", ModeStream))
		assert.Equal(t, 1, f.sched.Stats().Streaming)
	})

	t.Run("クライアント表が満杯", func(t *testing.T) {
		f := newFixture(t, Config{MaxStreams: MaxClients + 3})
		for _, id := range []string{"a", "b", "c", "d", "e"} {
			require.Equal(t, Success, f.sched.StartStream(id, ModeStream))
		}
		assert.Equal(t, RegisterFailed, f.sched.StartStream("f", ModeStream))
		assert.Equal(t, MaxClients, f.sched.Stats().Streaming)
	})

	t.Run("匿名クライアント", func(t *testing.T) {
		f := newFixture(t, Config{})
		assert.Equal(t, RegisterFailed, f.sched.StartStream("", ModeStream))
	})

	t.Run("未対応モード", func(t *testing.T) {
		f := newFixture(t, Config{})
		assert.Equal(t, ModeNotSupported, f.sched.StartStream("A", Mode(7)))
	})

	t.Run("タイマー未初期化", func(t *testing.T) {
		s := New(Config{}, camera.NewSource(camera.NewMockSensor(0, 0)), newFakeBroadcaster(), nil, nil, nil)
		assert.Equal(t, TimerNotInitialized, s.StartStream("A", ModeStream))
		assert.Equal(t, TimerNotInitialized, s.StartStream("A", ModeStill))
		assert.Equal(t, TimerNotInitialized, s.StopStream("A"))
	})
}

func TestStopStream_NotFound(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, Success, f.sched.StartStream("A", ModeStream))

	assert.Equal(t, NotFound, f.sched.StopStream("ghost"))
	assert.Equal(t, NotFound, f.sched.StopStream(""))
	assert.Equal(t, 1, f.sched.Stats().Streaming)
	assert.True(t, f.timer.Active())
}

func TestStopStream_LastClientDisarmsAndTurnsLampOff(t *testing.T) {
	f := newFixture(t, Config{MaxStreams: 2})
	f.lamp.auto = true
	f.lamp.level = 40

	require.Equal(t, Success, f.sched.StartStream("A", ModeStream))
	require.Equal(t, Success, f.sched.StartStream("B", ModeStream))

	require.Equal(t, Success, f.sched.StopStream("A"))
	assert.True(t, f.timer.Active())
	assert.Empty(t, f.lamp.calls())

	require.Equal(t, Success, f.sched.StopStream("B"))
	assert.False(t, f.timer.Active())
	assert.Equal(t, []int{0}, f.lamp.calls())

	st := f.sched.Stats()
	assert.Equal(t, uint64(2), st.StreamsServed)
	assert.False(t, st.Armed)
}

func TestOnTick_BroadcastsToAllClients(t *testing.T) {
	f := newFixture(t, Config{MaxStreams: 3})
	for _, id := range []string{"A", "B", "C"} {
		require.Equal(t, Success, f.sched.StartStream(id, ModeStream))
	}
	f.out.failOn["B"] = true

	f.sched.OnTick()
	f.sched.OnTick()

	assert.Equal(t, 2, f.out.count("A"))
	assert.Equal(t, 0, f.out.count("B"))
	assert.Equal(t, 2, f.out.count("C"), "送信失敗があっても他のクライアントへの配信は続く")

	st := f.sched.Stats()
	assert.Equal(t, uint64(4), st.FramesSent)
	assert.Equal(t, uint64(2), st.SendFailures)
	assert.Equal(t, int64(42), st.LastFrameMs)
	assert.Equal(t, 2, f.sensor.Grabs())
	assert.Equal(t, 2, f.sensor.Returns())
}

func TestOnTick_ReleasesEveryAcquiredFrame(t *testing.T) {
	testCases := []struct {
		name    string
		prepare func(*camera.MockSensor)
		grabs   int
		returns int
	}{
		{name: "正常", prepare: func(*camera.MockSensor) {}, grabs: 1, returns: 1},
		{name: "未圧縮フレーム", prepare: func(m *camera.MockSensor) { m.RawNext(1) }, grabs: 1, returns: 1},
		{name: "壊れたJPEG", prepare: func(m *camera.MockSensor) { m.BrokenNext(1) }, grabs: 1, returns: 1},
		{name: "フレームなし", prepare: func(m *camera.MockSensor) { m.FailNext(1) }, grabs: 1, returns: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			require.Equal(t, Success, f.sched.StartStream("A", ModeStream))
			tc.prepare(f.sensor)

			f.sched.OnTick()

			assert.Equal(t, tc.grabs, f.sensor.Grabs())
			assert.Equal(t, tc.returns, f.sensor.Returns())
			assert.Zero(t, f.sensor.Outstanding())

			// 次のティックは正常に配信できる
			f.sched.OnTick()
			assert.GreaterOrEqual(t, f.out.count("A"), 1)
		})
	}
}

func TestOnTick_SkippedWhenNoDeliverableFrame(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, Success, f.sched.StartStream("A", ModeStream))
	f.sensor.RawNext(1)

	f.sched.OnTick()
	assert.Equal(t, 0, f.out.count("A"))
	assert.Equal(t, uint64(1), f.sched.Stats().SkippedTicks)
}

func TestOnTick_NoSendAfterDeregister(t *testing.T) {
	f := newFixture(t, Config{MaxStreams: 2})
	require.Equal(t, Success, f.sched.StartStream("A", ModeStream))
	require.Equal(t, Success, f.sched.StartStream("B", ModeStream))
	f.sched.OnTick()

	require.Equal(t, Success, f.sched.StopStream("A"))
	f.sched.OnTick()
	f.sched.OnTick()

	assert.Equal(t, 1, f.out.count("A"))
	assert.Equal(t, 3, f.out.count("B"))
}

func TestOnTick_IgnoredWhenDisarmed(t *testing.T) {
	f := newFixture(t, Config{})
	f.sched.OnTick()
	assert.Zero(t, f.sensor.Grabs())
}

func TestCaptureOneShot_DuringStreamReusesTick(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, Success, f.sched.StartStream("viewer", ModeStream))

	assert.Equal(t, Success, f.sched.StartStream("snap", ModeStill))
	assert.Zero(t, f.sensor.Grabs(), "ストリーミング中は追加の取得をしない")

	f.sched.OnTick()
	assert.Equal(t, 1, f.sensor.Grabs())
	assert.Equal(t, 1, f.out.count("viewer"))
	assert.Equal(t, 1, f.out.count("snap"))

	// 静止画の要求は1回で消化される
	f.sched.OnTick()
	assert.Equal(t, 1, f.out.count("snap"))
	assert.Equal(t, uint64(1), f.sched.Stats().ImagesServed)
}

func TestCaptureOneShot_PendingServedWhenLastStreamStops(t *testing.T) {
	f := newFixture(t, Config{})
	f.lamp.auto = true
	require.Equal(t, Success, f.sched.StartStream("viewer", ModeStream))
	require.Equal(t, Success, f.sched.StartStream("snap", ModeStill))
	require.Zero(t, f.sensor.Grabs())

	// 次のティックの前に最後のクライアントが抜けてタイマーが止まる
	require.Equal(t, Success, f.sched.StopStream("viewer"))
	assert.False(t, f.timer.Active())

	assert.Equal(t, 1, f.out.count("snap"), "止まったタイマーを待たずに撮影して届ける")
	assert.Equal(t, 0, f.out.count("viewer"))
	assert.Equal(t, []int{80, 0}, f.lamp.calls(), "フラッシュで挟んで撮影する")
	assert.Equal(t, 1, f.sensor.Grabs())
	assert.Zero(t, f.sensor.Outstanding())

	// 要求は消化済みで、後のティックでは何も起きない
	f.sched.OnTick()
	assert.Equal(t, 1, f.out.count("snap"))
	assert.Equal(t, uint64(1), f.sched.Stats().ImagesServed)
}

func TestCaptureOneShot_PendingKeptWhileOtherViewersStream(t *testing.T) {
	f := newFixture(t, Config{MaxStreams: 2})
	require.Equal(t, Success, f.sched.StartStream("A", ModeStream))
	require.Equal(t, Success, f.sched.StartStream("B", ModeStream))
	require.Equal(t, Success, f.sched.StartStream("snap", ModeStill))

	require.Equal(t, Success, f.sched.StopStream("A"))
	assert.Zero(t, f.sensor.Grabs(), "配信が続く間は次のティックで届ける")

	f.sched.OnTick()
	assert.Equal(t, 1, f.out.count("snap"))
	assert.Equal(t, 1, f.out.count("B"))
}

func TestCaptureOneShot_Idle(t *testing.T) {
	testCases := []struct {
		name       string
		auto       bool
		level      int
		fail       bool
		want       Result
		wantLamp   []int
		wantFrames int
	}{
		{name: "自動点灯なし", auto: false, level: 0, want: Success, wantLamp: nil, wantFrames: 1},
		{name: "自動点灯", auto: true, level: 0, want: Success, wantLamp: []int{80, 0}, wantFrames: 1},
		{name: "撮影後は撮影前の状態に戻す", auto: true, level: 30, want: Success, wantLamp: []int{80, 30}, wantFrames: 1},
		{name: "撮影失敗でもランプを戻す", auto: true, level: 0, fail: true, want: CaptureFailed, wantLamp: []int{80, 0}, wantFrames: 0},
		{name: "ランプ無効", auto: true, level: -1, want: Success, wantLamp: nil, wantFrames: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{SettleDelay: time.Millisecond})
			f.lamp.auto = tc.auto
			f.lamp.level = tc.level
			if tc.fail {
				f.sensor.FailNext(1)
			}

			assert.Equal(t, tc.want, f.sched.CaptureOneShot("snap"))
			assert.Equal(t, tc.wantLamp, f.lamp.calls())
			assert.Equal(t, tc.wantFrames, f.out.count("snap"))
			assert.Zero(t, f.sensor.Outstanding())
			assert.False(t, f.timer.Active(), "静止画撮影ではタイマーを動かさない")
		})
	}
}

func TestCaptureOneShot_SendFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.out.failOn["snap"] = true

	assert.Equal(t, CaptureFailed, f.sched.CaptureOneShot("snap"))
	assert.Equal(t, 1, f.sensor.Returns())
}

func TestSetFrameRate_KeepsTimerArmed(t *testing.T) {
	f := newFixture(t, Config{FrameRate: 10})
	assert.Equal(t, 100*time.Millisecond, f.timer.period)

	require.Equal(t, Success, f.sched.StartStream("A", ModeStream))
	require.NoError(t, f.sched.SetFrameRate(20))

	assert.True(t, f.timer.Active())
	assert.Equal(t, 1, f.timer.starts)
	assert.Zero(t, f.timer.stops)
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, f.timer.periods)
	assert.Equal(t, 20, f.sched.FrameRate())

	assert.ErrorIs(t, f.sched.SetFrameRate(0), ErrInvalidFrameRate)
}

func TestControlSession(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.sched

	require.NoError(t, s.ClaimControl("X"))
	assert.NoError(t, s.ClaimControl("X"), "保持者の再要求は成功する")
	assert.ErrorIs(t, s.ClaimControl("Y"), ErrControlHeld)

	// 別のクライアントの解放要求は無視される
	assert.False(t, s.ReleaseControl("Y"))
	holder, held := s.Controller()
	assert.True(t, held)
	assert.Equal(t, "X", holder)
	assert.Zero(t, f.pulses.resetAll)

	assert.ErrorIs(t, s.WritePulse("Y", 12, 90, 544, 2400), ErrNotController)
	assert.ErrorIs(t, s.WritePulse("", 12, 90, 544, 2400), ErrNotController)
	assert.ErrorIs(t, s.ResetPulses("Y", 0), ErrNotController)
	require.NoError(t, s.WritePulse("X", 12, 90, 544, 2400))
	require.NoError(t, s.ResetPulses("X", 12))
	assert.Equal(t, []pulseWrite{{12, 90, 544, 2400}}, f.pulses.writes)
	assert.Equal(t, []int{12}, f.pulses.resets)

	// 切断で操作権が解放され、全チャンネルがリセットされる
	s.DisconnectClient("X")
	_, held = s.Controller()
	assert.False(t, held)
	assert.Equal(t, 1, f.pulses.resetAll)

	// 操作権がない間は匿名の書き込みのみ許可する
	assert.NoError(t, s.WritePulse("", 4, 10, 0, 0))
	assert.ErrorIs(t, s.WritePulse("Y", 4, 10, 0, 0), ErrNotController)
	assert.Error(t, s.ClaimControl(""))
}

func TestDisconnectClient(t *testing.T) {
	f := newFixture(t, Config{MaxStreams: 2})
	s := f.sched
	require.Equal(t, Success, s.StartStream("A", ModeStream))
	require.Equal(t, Success, s.StartStream("B", ModeStream))
	require.Equal(t, Success, s.StartStream("C", ModeStill))

	s.DisconnectClient("C")
	s.DisconnectClient("A")
	assert.False(t, s.Streaming("A"))
	assert.True(t, s.Streaming("B"))

	f.sched.OnTick()
	assert.Zero(t, f.out.count("A"))
	assert.Zero(t, f.out.count("C"), "切断したクライアントの静止画要求は破棄される")

	// 未登録のクライアントの切断は何もしない
	s.DisconnectClient("ghost")
	assert.Equal(t, 1, s.Stats().Streaming)
}

func TestScheduler_ConcurrentAccess(t *testing.T) {
	f := newFixture(t, Config{MaxStreams: 3})
	f.sensor.SetDelay(100 * time.Microsecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.sched.OnTick()
			}
		}()
	}
	for _, id := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.sched.StartStream(id, ModeStream)
				f.sched.StartStream(id, ModeStill)
				f.sched.StopStream(id)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, f.sensor.MaxOutstanding(), "同時に貸し出されるバッファは1つだけ")
	assert.Zero(t, f.sensor.Outstanding())
	assert.Equal(t, f.sensor.Grabs(), f.sensor.Returns())

	st := f.sched.Stats()
	assert.Zero(t, st.Streaming)
	assert.False(t, st.Armed)
	assert.Equal(t, f.timer.starts, f.timer.stops)
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "num_exceeded", NumExceeded.String())
	assert.Equal(t, "unknown", Result(99).String())
	assert.True(t, Success.OK())
	assert.False(t, NotFound.OK())
	assert.Equal(t, "stream", ModeStream.String())
}
