package connect

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/tapedeck/internal/app/ingest"
	"github.com/osa030/tapedeck/internal/app/notification"
	"github.com/osa030/tapedeck/internal/app/playback"
	"github.com/osa030/tapedeck/internal/app/session"
	"github.com/osa030/tapedeck/internal/domain/track"
)

// fakeDeck holds a single-track playlist and records commands.
type fakeDeck struct {
	mu       sync.Mutex
	state    playback.PlayerState
	tracks   []track.Track
	uploaded []ingest.File
	notif    *notification.Manager
	done     chan struct{}
}

func newFakeDeck() *fakeDeck {
	return &fakeDeck{
		state:  playback.PlayerState{QueueIndex: -1, Volume: 1},
		tracks: []track.Track{{ID: "t1", Name: "intro", Duration: 90, Size: 10, MimeType: "audio/mpeg", AddedAt: time.Unix(0, 0)}},
		notif:  notification.NewManager(),
		done:   make(chan struct{}),
	}
}

func (d *fakeDeck) State() playback.PlayerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDeck) Tracks() []track.Track { return d.tracks }

func (d *fakeDeck) GetStatus() *session.Status {
	return &session.Status{State: d.State(), TrackCount: len(d.tracks), TotalDuration: 90}
}

func (d *fakeDeck) SelectTrack(id string) error {
	if id != "t1" {
		return errors.Mark(errors.Newf("track %s", id), track.ErrNotFound)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.CurrentTrackID = id
	d.state.QueueIndex = 0
	d.state.Status = playback.StatusPaused
	return nil
}

func (d *fakeDeck) Play() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.state.HasTrack() {
		return nil
	}
	d.state.Status = playback.StatusPlaying
	return nil
}

func (d *fakeDeck) Pause() error           { return nil }
func (d *fakeDeck) TogglePlayPause() error { return nil }

func (d *fakeDeck) Seek(seconds float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.CurrentTime = seconds
	return nil
}

func (d *fakeDeck) SetVolume(v float64) error { return nil }
func (d *fakeDeck) ToggleMute() error         { return nil }
func (d *fakeDeck) Next() error               { return nil }
func (d *fakeDeck) Previous() error           { return nil }
func (d *fakeDeck) Delete(id string) error    { return d.SelectTrack(id) }

func (d *fakeDeck) Upload(ctx context.Context, files []ingest.File) []ingest.Outcome {
	d.mu.Lock()
	d.uploaded = append(d.uploaded, files...)
	d.mu.Unlock()

	outcomes := make([]ingest.Outcome, len(files))
	for i, f := range files {
		outcomes[i] = ingest.Outcome{Filename: f.Name, Track: &track.Track{ID: "new", Name: f.Name, Size: int64(len(f.Data))}}
	}
	return outcomes
}

func (d *fakeDeck) Export(name string) ([]byte, error) {
	return []byte(`{"name":"` + name + `"}`), nil
}

func (d *fakeDeck) Import(ctx context.Context, data []byte) ([]ingest.Outcome, error) {
	return nil, nil
}

func (d *fakeDeck) GetNotificationManager() *notification.Manager { return d.notif }
func (d *fakeDeck) Done() <-chan struct{}                         { return d.done }

func newTestServer(t *testing.T, deck Deck, token string) *Client {
	t.Helper()
	path, handler := NewPlayerServiceHandler(NewPlayerService(deck),
		connect.WithInterceptors(NewAuthInterceptor(token)))
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.Client(), srv.URL, token)
}

func TestPlayerService_Auth(t *testing.T) {
	deck := newFakeDeck()
	path, handler := NewPlayerServiceHandler(NewPlayerService(deck),
		connect.WithInterceptors(NewAuthInterceptor("secret")))
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tests := []struct {
		name  string
		token string
		want  connect.Code
	}{
		{name: "missing token", token: "", want: connect.CodeUnauthenticated},
		{name: "wrong token", token: "nope", want: connect.CodeUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(srv.Client(), srv.URL, tt.token)
			_, err := client.Call(context.Background(), GetStatusProcedure, nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, connect.CodeOf(err))
		})
	}

	client := NewClient(srv.Client(), srv.URL, "secret")
	res, err := client.Call(context.Background(), GetStatusProcedure, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), res["trackCount"])
}

func TestPlayerService_Commands(t *testing.T) {
	deck := newFakeDeck()
	client := newTestServer(t, deck, "")
	ctx := context.Background()

	res, err := client.Call(ctx, SelectTrackProcedure, map[string]any{"id": "t1"})
	require.NoError(t, err)
	state := res["state"].(map[string]any)
	assert.Equal(t, "t1", state["currentTrackId"])
	assert.Equal(t, "paused", state["status"])

	res, err = client.Call(ctx, PlayProcedure, nil)
	require.NoError(t, err)
	assert.Equal(t, "playing", res["state"].(map[string]any)["status"])

	res, err = client.Call(ctx, SeekProcedure, map[string]any{"seconds": 42.5})
	require.NoError(t, err)
	assert.Equal(t, 42.5, res["state"].(map[string]any)["currentTime"])

	res, err = client.Call(ctx, ListTracksProcedure, nil)
	require.NoError(t, err)
	tracks := res["tracks"].([]any)
	require.Len(t, tracks, 1)
	assert.Equal(t, "intro", tracks[0].(map[string]any)["name"])

	res, err = client.Call(ctx, ExportProcedure, map[string]any{"name": "mix"})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"mix"}`, res["document"])
}

func TestPlayerService_ErrorCodes(t *testing.T) {
	client := newTestServer(t, newFakeDeck(), "")
	ctx := context.Background()

	tests := []struct {
		name      string
		procedure string
		fields    map[string]any
		want      connect.Code
	}{
		{name: "seek without seconds", procedure: SeekProcedure, fields: nil, want: connect.CodeInvalidArgument},
		{name: "seek with string", procedure: SeekProcedure, fields: map[string]any{"seconds": "ten"}, want: connect.CodeInvalidArgument},
		{name: "select unknown", procedure: SelectTrackProcedure, fields: map[string]any{"id": "zz"}, want: connect.CodeNotFound},
		{name: "delete without id", procedure: DeleteTrackProcedure, fields: nil, want: connect.CodeInvalidArgument},
		{name: "upload without files", procedure: UploadProcedure, fields: nil, want: connect.CodeInvalidArgument},
		{name: "import without document", procedure: ImportProcedure, fields: nil, want: connect.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Call(ctx, tt.procedure, tt.fields)
			require.Error(t, err)
			assert.Equal(t, tt.want, connect.CodeOf(err))
		})
	}
}

func TestPlayerService_Upload(t *testing.T) {
	deck := newFakeDeck()
	client := newTestServer(t, deck, "")

	res, err := client.Call(context.Background(), UploadProcedure, map[string]any{
		"files": []any{
			map[string]any{"name": "a.mp3", "type": "audio/mpeg", "data": base64.StdEncoding.EncodeToString([]byte("abc"))},
		},
	})
	require.NoError(t, err)

	outcomes := res["outcomes"].([]any)
	require.Len(t, outcomes, 1)
	assert.Equal(t, true, outcomes[0].(map[string]any)["ok"])

	require.Len(t, deck.uploaded, 1)
	assert.Equal(t, []byte("abc"), deck.uploaded[0].Data)
	assert.Equal(t, "audio/mpeg", deck.uploaded[0].MimeType)

	_, err = client.Call(context.Background(), UploadProcedure, map[string]any{
		"files": []any{map[string]any{"name": "b.mp3", "data": "%%%"}},
	})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestPlayerService_Subscribe(t *testing.T) {
	deck := newFakeDeck()
	client := newTestServer(t, deck, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan map[string]any, 8)
	go func() {
		_ = client.Subscribe(ctx, func(n map[string]any) error {
			received <- n
			return nil
		})
	}()

	select {
	case n := <-received:
		assert.Equal(t, "state", n["kind"])
		assert.Equal(t, float64(1), n["trackCount"])
	case <-time.After(2 * time.Second):
		t.Fatal("no initial notification")
	}

	require.Eventually(t, func() bool { return deck.notif.SubscriberCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	deck.notif.Broadcast(&notification.Notification{Kind: notification.KindPlaylist, TrackCount: 3})

	select {
	case n := <-received:
		assert.Equal(t, "playlist", n["kind"])
		assert.Equal(t, float64(3), n["trackCount"])
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast notification")
	}

	close(deck.done)
	require.Eventually(t, func() bool { return deck.notif.SubscriberCount() == 0 },
		2*time.Second, 5*time.Millisecond)
}
