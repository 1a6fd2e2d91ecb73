package playback

import (
	"fmt"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/tapedeck/internal/app/registry"
	"github.com/osa030/tapedeck/internal/app/transport"
	"github.com/osa030/tapedeck/internal/domain/track"
)

// fakeBridge records commands; resource ids increase with every Load.
type fakeBridge struct {
	active  uint64
	nextID  uint64
	loads   []string
	plays   int
	pauses  int
	seeks   []float64
	volumes []float64
	stops   int
}

func (b *fakeBridge) Load(ref string) uint64 {
	b.nextID++
	b.active = b.nextID
	b.loads = append(b.loads, ref)
	return b.active
}

func (b *fakeBridge) Play() uint64 {
	b.plays++
	return b.active
}

func (b *fakeBridge) Pause()              { b.pauses++ }
func (b *fakeBridge) Seek(seconds float64) { b.seeks = append(b.seeks, seconds) }
func (b *fakeBridge) SetVolume(v float64)  { b.volumes = append(b.volumes, v) }

func (b *fakeBridge) Stop() {
	b.stops++
	b.active = 0
}

type fixture struct {
	reg    *registry.TrackRegistry
	bridge *fakeBridge
	ctrl   *Controller
	ids    []string
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	reg := registry.NewTrackRegistry(nil)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("t%d", i)
		_, err := reg.Add(track.Track{
			ID:       id,
			Name:     "track " + id,
			Source:   track.Transient("blob:" + id),
			Duration: track.UnknownDuration,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	b := &fakeBridge{}
	c := NewController(b, reg, Config{DefaultVolume: 0.8})
	reg.OnRemove(c.TrackRemoved)
	t.Cleanup(c.Close)
	return &fixture{reg: reg, bridge: b, ctrl: c, ids: ids}
}

func (f *fixture) notify(typ transport.NotificationType, mods ...func(*transport.Notification)) {
	n := transport.Notification{Resource: f.bridge.active, Type: typ}
	for _, m := range mods {
		m(&n)
	}
	f.ctrl.HandleNotification(n)
}

func withDuration(d float64) func(*transport.Notification) {
	return func(n *transport.Notification) { n.Duration = d }
}

func withTime(s float64) func(*transport.Notification) {
	return func(n *transport.Notification) { n.Time = s }
}

func withResource(id uint64) func(*transport.Notification) {
	return func(n *transport.Notification) { n.Resource = id }
}

// playing brings the fixture's track at index i to StatusPlaying.
func (f *fixture) playing(t *testing.T, i int) {
	t.Helper()
	require.NoError(t, f.ctrl.SelectTrack(f.ids[i]))
	require.NoError(t, f.ctrl.Play())
	f.notify(transport.NotifyLoadedMetadata, withDuration(100))
	f.notify(transport.NotifyPlayConfirmed)
	require.Equal(t, StatusPlaying, f.ctrl.State().Status)
}

func TestController_InitialState(t *testing.T) {
	f := newFixture(t, 2)
	s := f.ctrl.State()

	assert.Equal(t, StatusIdle, s.Status)
	assert.False(t, s.HasTrack())
	assert.Equal(t, 0.0, s.CurrentTime)
	assert.Equal(t, -1, s.QueueIndex)
	assert.Equal(t, 0.8, s.Volume)
	assert.Equal(t, []float64{0.8}, f.bridge.volumes)
}

func TestController_SelectTrack(t *testing.T) {
	f := newFixture(t, 2)

	require.NoError(t, f.ctrl.SelectTrack("t1"))
	s := f.ctrl.State()
	assert.Equal(t, "t1", s.CurrentTrackID)
	assert.Equal(t, StatusLoading, s.Status)
	assert.Equal(t, 1, s.QueueIndex)
	assert.Equal(t, []string{"blob:t1"}, f.bridge.loads)

	f.notify(transport.NotifyLoadedMetadata, withDuration(200))
	s = f.ctrl.State()
	assert.Equal(t, StatusPaused, s.Status)
	assert.Equal(t, 200.0, s.Duration)
	assert.Equal(t, 0, f.bridge.plays)

	// the resolved duration is recorded on the track
	tr, err := f.reg.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, 200.0, tr.Duration)
}

func TestController_SelectUnknownTrack(t *testing.T) {
	f := newFixture(t, 1)
	err := f.ctrl.SelectTrack("nope")
	assert.True(t, errors.Is(err, track.ErrNotFound))
	assert.Equal(t, StatusIdle, f.ctrl.State().Status)
}

func TestController_PlayWhileLoadingWaitsForMetadata(t *testing.T) {
	f := newFixture(t, 1)

	require.NoError(t, f.ctrl.SelectTrack("t0"))
	require.NoError(t, f.ctrl.Play())
	assert.Equal(t, 0, f.bridge.plays)
	assert.Equal(t, StatusLoading, f.ctrl.State().Status)

	f.notify(transport.NotifyLoadedMetadata, withDuration(50))
	assert.Equal(t, 1, f.bridge.plays)

	f.notify(transport.NotifyPlayConfirmed)
	assert.Equal(t, StatusPlaying, f.ctrl.State().Status)
	assert.True(t, f.ctrl.IsPlaying())
}

func TestController_PauseCancelsPendingPlay(t *testing.T) {
	f := newFixture(t, 1)

	require.NoError(t, f.ctrl.SelectTrack("t0"))
	require.NoError(t, f.ctrl.Play())
	require.NoError(t, f.ctrl.Pause())

	f.notify(transport.NotifyLoadedMetadata, withDuration(50))
	assert.Equal(t, 0, f.bridge.plays)
	assert.Equal(t, StatusPaused, f.ctrl.State().Status)
}

func TestController_LatePlayConfirmationIsIgnored(t *testing.T) {
	f := newFixture(t, 1)

	require.NoError(t, f.ctrl.SelectTrack("t0"))
	f.notify(transport.NotifyLoadedMetadata, withDuration(50))
	require.NoError(t, f.ctrl.Play())
	require.NoError(t, f.ctrl.Pause())

	f.notify(transport.NotifyPlayConfirmed)
	assert.Equal(t, StatusPaused, f.ctrl.State().Status)
}

func TestController_SelectCurrentWhilePlayingPauses(t *testing.T) {
	f := newFixture(t, 2)
	f.playing(t, 0)
	f.notify(transport.NotifyTimeUpdate, withTime(12))
	loads := len(f.bridge.loads)

	require.NoError(t, f.ctrl.SelectTrack("t0"))

	s := f.ctrl.State()
	assert.Equal(t, StatusPaused, s.Status)
	assert.Equal(t, 12.0, s.CurrentTime)
	assert.Len(t, f.bridge.loads, loads)
	assert.Equal(t, 1, f.bridge.pauses)

	// and again resumes
	require.NoError(t, f.ctrl.SelectTrack("t0"))
	f.notify(transport.NotifyPlayConfirmed)
	assert.Equal(t, StatusPlaying, f.ctrl.State().Status)
	assert.Len(t, f.bridge.loads, loads)
}

func TestController_TogglePlayPause(t *testing.T) {
	f := newFixture(t, 1)
	f.playing(t, 0)

	require.NoError(t, f.ctrl.TogglePlayPause())
	assert.Equal(t, StatusPaused, f.ctrl.State().Status)

	require.NoError(t, f.ctrl.TogglePlayPause())
	f.notify(transport.NotifyPlayConfirmed)
	assert.Equal(t, StatusPlaying, f.ctrl.State().Status)
}

func TestController_CommandsWithoutTrackAreNoops(t *testing.T) {
	f := newFixture(t, 0)

	assert.NoError(t, f.ctrl.Play())
	assert.NoError(t, f.ctrl.Pause())
	assert.NoError(t, f.ctrl.TogglePlayPause())
	assert.NoError(t, f.ctrl.Seek(10))
	assert.NoError(t, f.ctrl.Next())
	assert.NoError(t, f.ctrl.Previous())

	s := f.ctrl.State()
	assert.Equal(t, StatusIdle, s.Status)
	assert.Empty(t, f.bridge.loads)
	assert.Zero(t, f.bridge.plays)
}

func TestController_NextWrapsAround(t *testing.T) {
	f := newFixture(t, 3)
	require.NoError(t, f.ctrl.SelectTrack("t0"))

	for i := 1; i <= 3; i++ {
		require.NoError(t, f.ctrl.Next())
		assert.Equal(t, f.ids[i%3], f.ctrl.State().CurrentTrackID)
	}
	assert.Equal(t, "t0", f.ctrl.State().CurrentTrackID)
}

func TestController_PreviousInvertsNext(t *testing.T) {
	f := newFixture(t, 4)

	for _, id := range f.ids {
		require.NoError(t, f.ctrl.SelectTrack(id))
		require.NoError(t, f.ctrl.Next())
		require.NoError(t, f.ctrl.Previous())
		assert.Equal(t, id, f.ctrl.State().CurrentTrackID)
	}
}

func TestController_StepFromNoTrack(t *testing.T) {
	tests := []struct {
		name string
		step func(c *Controller) error
		want string
	}{
		{name: "next starts at the first track", step: (*Controller).Next, want: "t0"},
		{name: "previous starts at the last track", step: (*Controller).Previous, want: "t2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3)
			require.NoError(t, tt.step(f.ctrl))
			assert.Equal(t, tt.want, f.ctrl.State().CurrentTrackID)

			// navigation always plays once loaded
			f.notify(transport.NotifyLoadedMetadata, withDuration(10))
			assert.Equal(t, 1, f.bridge.plays)
		})
	}
}

func TestController_NextOnSingleTrackRestarts(t *testing.T) {
	f := newFixture(t, 1)
	f.playing(t, 0)
	f.notify(transport.NotifyTimeUpdate, withTime(40))

	require.NoError(t, f.ctrl.Next())

	s := f.ctrl.State()
	assert.Equal(t, "t0", s.CurrentTrackID)
	assert.Equal(t, 0.0, s.CurrentTime)
	assert.Equal(t, StatusLoading, s.Status)
	assert.Len(t, f.bridge.loads, 2)
}

func TestController_EndedAutoAdvances(t *testing.T) {
	f := newFixture(t, 2)
	f.playing(t, 0)

	f.notify(transport.NotifyEnded)
	assert.Equal(t, "t1", f.ctrl.State().CurrentTrackID)
	f.notify(transport.NotifyLoadedMetadata, withDuration(100))
	f.notify(transport.NotifyPlayConfirmed)
	assert.Equal(t, StatusPlaying, f.ctrl.State().Status)

	f.notify(transport.NotifyEnded)
	assert.Equal(t, "t0", f.ctrl.State().CurrentTrackID)
}

func TestController_StaleNotificationsAreDiscarded(t *testing.T) {
	f := newFixture(t, 2)
	f.playing(t, 0)
	old := f.bridge.active

	require.NoError(t, f.ctrl.SelectTrack("t1"))

	f.notify(transport.NotifyTimeUpdate, withResource(old), withTime(30))
	f.notify(transport.NotifyEnded, withResource(old))
	f.notify(transport.NotifyPlayConfirmed, withResource(old))

	s := f.ctrl.State()
	assert.Equal(t, "t1", s.CurrentTrackID)
	assert.Equal(t, StatusLoading, s.Status)
	assert.Equal(t, 0.0, s.CurrentTime)
}

func TestController_TimeUpdateIsClamped(t *testing.T) {
	f := newFixture(t, 1)
	f.playing(t, 0)

	f.notify(transport.NotifyTimeUpdate, withTime(250))
	assert.Equal(t, 100.0, f.ctrl.State().CurrentTime)

	f.notify(transport.NotifyTimeUpdate, withTime(-3))
	assert.Equal(t, 0.0, f.ctrl.State().CurrentTime)
}

func TestController_DeleteCurrentFromAnyStatus(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		want  Status
	}{
		{
			name:  "loading",
			setup: func(f *fixture) { _ = f.ctrl.SelectTrack("t0") },
			want:  StatusLoading,
		},
		{
			name: "paused",
			setup: func(f *fixture) {
				_ = f.ctrl.SelectTrack("t0")
				f.notify(transport.NotifyLoadedMetadata, withDuration(10))
			},
			want: StatusPaused,
		},
		{
			name: "playing",
			setup: func(f *fixture) {
				_ = f.ctrl.SelectTrack("t0")
				_ = f.ctrl.Play()
				f.notify(transport.NotifyLoadedMetadata, withDuration(10))
				f.notify(transport.NotifyPlayConfirmed)
			},
			want: StatusPlaying,
		},
		{
			name: "error",
			setup: func(f *fixture) {
				_ = f.ctrl.SelectTrack("t0")
				f.notify(transport.NotifyError, func(n *transport.Notification) { n.Err = errors.New("decode") })
			},
			want: StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2)
			tt.setup(f)
			require.Equal(t, tt.want, f.ctrl.State().Status)

			require.NoError(t, f.reg.Remove("t0"))

			s := f.ctrl.State()
			assert.Equal(t, StatusIdle, s.Status)
			assert.False(t, s.HasTrack())
			assert.Equal(t, 0.0, s.CurrentTime)
			assert.Equal(t, 1, f.bridge.stops)
		})
	}
}

func TestController_DeleteOtherTrackKeepsPlaying(t *testing.T) {
	f := newFixture(t, 3)
	f.playing(t, 1)

	require.NoError(t, f.reg.Remove("t0"))

	s := f.ctrl.State()
	assert.Equal(t, StatusPlaying, s.Status)
	assert.Equal(t, "t1", s.CurrentTrackID)
	assert.Equal(t, 0, s.QueueIndex)
	assert.Zero(t, f.bridge.stops)
}

func TestController_EndedDuringRemoveSkipsRemovedTrack(t *testing.T) {
	tests := []struct {
		name      string
		tracks    int
		wantID    string
		wantIndex int
	}{
		{name: "advances past the removed track", tracks: 3, wantID: "t2", wantIndex: 1},
		{name: "wraps to the only remaining track", tracks: 2, wantID: "t0", wantIndex: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.tracks)
			f.playing(t, 0)

			// the track ends while t1 is being removed
			f.reg.OnRemove(func(id string) {
				f.notify(transport.NotifyEnded)
			})
			require.NoError(t, f.reg.Remove("t1"))

			s := f.ctrl.State()
			assert.Equal(t, tt.wantID, s.CurrentTrackID)
			assert.Equal(t, tt.wantIndex, s.QueueIndex)
			assert.Equal(t, StatusLoading, s.Status)
			_, err := f.reg.Get(s.CurrentTrackID)
			assert.NoError(t, err)
			assert.NotContains(t, f.bridge.loads, "blob:t1")
		})
	}
}

func TestController_SetVolume(t *testing.T) {
	tests := []struct {
		name      string
		in        float64
		wantVol   float64
		wantMuted bool
	}{
		{name: "below range", in: -5, wantVol: 0, wantMuted: true},
		{name: "above range", in: 5, wantVol: 1},
		{name: "in range", in: 0.25, wantVol: 0.25},
		{name: "zero mutes", in: 0, wantVol: 0, wantMuted: true},
		{name: "NaN is ignored", in: math.NaN(), wantVol: 0.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			require.NoError(t, f.ctrl.SetVolume(tt.in))
			s := f.ctrl.State()
			assert.Equal(t, tt.wantVol, s.Volume)
			assert.Equal(t, tt.wantMuted, s.Muted)
			assert.Equal(t, tt.wantVol, f.bridge.volumes[len(f.bridge.volumes)-1])
		})
	}
}

func TestController_ToggleMute(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.ctrl.SetVolume(0.6))

	require.NoError(t, f.ctrl.ToggleMute())
	s := f.ctrl.State()
	assert.True(t, s.Muted)
	assert.Equal(t, 0.6, s.Volume)
	assert.Equal(t, 0.0, f.bridge.volumes[len(f.bridge.volumes)-1])

	require.NoError(t, f.ctrl.ToggleMute())
	s = f.ctrl.State()
	assert.False(t, s.Muted)
	assert.Equal(t, 0.6, f.bridge.volumes[len(f.bridge.volumes)-1])

	// unmuting after a volume of zero restores the last audible level
	require.NoError(t, f.ctrl.SetVolume(0))
	require.NoError(t, f.ctrl.ToggleMute())
	s = f.ctrl.State()
	assert.False(t, s.Muted)
	assert.Equal(t, 0.6, s.Volume)
}

func TestController_Seek(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.ctrl.SelectTrack("t0"))

	// unknown duration: seek is ignored
	require.NoError(t, f.ctrl.Seek(10))
	assert.Empty(t, f.bridge.seeks)

	f.notify(transport.NotifyLoadedMetadata, withDuration(60))

	require.NoError(t, f.ctrl.Seek(30))
	assert.Equal(t, 30.0, f.ctrl.State().CurrentTime)

	require.NoError(t, f.ctrl.Seek(500))
	assert.Equal(t, 60.0, f.ctrl.State().CurrentTime)

	require.NoError(t, f.ctrl.Seek(-1))
	assert.Equal(t, 0.0, f.ctrl.State().CurrentTime)
	assert.Equal(t, []float64{30, 60, 0}, f.bridge.seeks)
}

func TestController_ErrorKeepsTrackAndPlayReloads(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.ctrl.SelectTrack("t0"))

	f.notify(transport.NotifyError, func(n *transport.Notification) { n.Err = errors.New("bad data") })
	s := f.ctrl.State()
	assert.Equal(t, StatusError, s.Status)
	assert.Equal(t, "t0", s.CurrentTrackID)
	assert.NotEmpty(t, s.Error)

	require.NoError(t, f.ctrl.Play())
	assert.Len(t, f.bridge.loads, 2)
	assert.Equal(t, StatusLoading, f.ctrl.State().Status)

	f.notify(transport.NotifyLoadedMetadata, withDuration(5))
	assert.Equal(t, 1, f.bridge.plays)
}

func TestController_PlayFailed(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.ctrl.SelectTrack("t0"))
	require.NoError(t, f.ctrl.Play())
	f.notify(transport.NotifyLoadedMetadata, withDuration(5))

	f.notify(transport.NotifyPlayFailed, func(n *transport.Notification) { n.Err = errors.New("device busy") })

	s := f.ctrl.State()
	assert.Equal(t, StatusPaused, s.Status)
	assert.Contains(t, s.Error, "device busy")

	var sawError bool
	for len(f.ctrl.Events()) > 0 {
		ev := <-f.ctrl.Events()
		if ev.Type == EventPlaybackError {
			sawError = true
			assert.True(t, errors.Is(ev.Err, track.ErrPlayback))
		}
	}
	assert.True(t, sawError)
}

func TestController_Restore(t *testing.T) {
	f := newFixture(t, 2)

	require.NoError(t, f.ctrl.Restore("t1", 42))
	assert.Equal(t, StatusLoading, f.ctrl.State().Status)

	f.notify(transport.NotifyLoadedMetadata, withDuration(100))
	s := f.ctrl.State()
	assert.Equal(t, StatusPaused, s.Status)
	assert.Equal(t, 42.0, s.CurrentTime)
	assert.Equal(t, []float64{42}, f.bridge.seeks)
	assert.Zero(t, f.bridge.plays)

	err := f.ctrl.Restore("gone", 1)
	assert.True(t, errors.Is(err, track.ErrNotFound))
}

func TestController_EventsOnTrackChange(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.ctrl.SelectTrack("t0"))

	ev := <-f.ctrl.Events()
	assert.Equal(t, EventTrackChanged, ev.Type)
	assert.Equal(t, "t0", ev.State.CurrentTrackID)

	ev = <-f.ctrl.Events()
	assert.Equal(t, EventStateChanged, ev.Type)
	assert.Equal(t, StatusLoading, ev.State.Status)
}
