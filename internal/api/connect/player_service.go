// Package connect provides Connect RPC service implementations.
package connect

import (
	"context"
	"net/http"
	"sync"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/osa030/tapedeck/internal/app/ingest"
	"github.com/osa030/tapedeck/internal/app/notification"
	"github.com/osa030/tapedeck/internal/app/playback"
	"github.com/osa030/tapedeck/internal/app/session"
	"github.com/osa030/tapedeck/internal/domain/playlist"
	"github.com/osa030/tapedeck/internal/domain/track"
	"github.com/osa030/tapedeck/internal/infra/metrics"
)

// PlayerServiceName is the fully-qualified name of the PlayerService service.
const PlayerServiceName = "deck.v1.PlayerService"

// Procedure paths of PlayerService.
const (
	GetStatusProcedure       = "/" + PlayerServiceName + "/GetStatus"
	ListTracksProcedure      = "/" + PlayerServiceName + "/ListTracks"
	UploadProcedure          = "/" + PlayerServiceName + "/Upload"
	DeleteTrackProcedure     = "/" + PlayerServiceName + "/DeleteTrack"
	SelectTrackProcedure     = "/" + PlayerServiceName + "/SelectTrack"
	PlayProcedure            = "/" + PlayerServiceName + "/Play"
	PauseProcedure           = "/" + PlayerServiceName + "/Pause"
	TogglePlayPauseProcedure = "/" + PlayerServiceName + "/TogglePlayPause"
	SeekProcedure            = "/" + PlayerServiceName + "/Seek"
	SetVolumeProcedure       = "/" + PlayerServiceName + "/SetVolume"
	ToggleMuteProcedure      = "/" + PlayerServiceName + "/ToggleMute"
	NextProcedure            = "/" + PlayerServiceName + "/Next"
	PreviousProcedure        = "/" + PlayerServiceName + "/Previous"
	ExportProcedure          = "/" + PlayerServiceName + "/Export"
	ImportProcedure          = "/" + PlayerServiceName + "/Import"
	SubscribeProcedure       = "/" + PlayerServiceName + "/Subscribe"
)

// Deck is the session surface exposed over RPC.
type Deck interface {
	State() playback.PlayerState
	Tracks() []track.Track
	GetStatus() *session.Status
	SelectTrack(id string) error
	Play() error
	Pause() error
	TogglePlayPause() error
	Seek(seconds float64) error
	SetVolume(v float64) error
	ToggleMute() error
	Next() error
	Previous() error
	Delete(id string) error
	Upload(ctx context.Context, files []ingest.File) []ingest.Outcome
	Export(name string) ([]byte, error)
	Import(ctx context.Context, data []byte) ([]ingest.Outcome, error)
	GetNotificationManager() *notification.Manager
	Done() <-chan struct{}
}

var _ Deck = (*session.Manager)(nil)

var errStreamClosed = errors.New("stream closed")

type (
	request  = connect.Request[structpb.Struct]
	response = connect.Response[structpb.Struct]
)

// PlayerService implements the PlayerService RPC.
type PlayerService struct {
	deck Deck
}

// NewPlayerService creates a new PlayerService.
func NewPlayerService(deck Deck) *PlayerService {
	return &PlayerService{deck: deck}
}

// NewPlayerServiceHandler builds an HTTP handler for every PlayerService
// procedure. It returns the path to mount the handler on.
func NewPlayerServiceHandler(svc *PlayerService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	unary := map[string]func(context.Context, *request) (*response, error){
		GetStatusProcedure:       svc.GetStatus,
		ListTracksProcedure:      svc.ListTracks,
		UploadProcedure:          svc.Upload,
		DeleteTrackProcedure:     svc.DeleteTrack,
		SelectTrackProcedure:     svc.SelectTrack,
		PlayProcedure:            svc.command("play", svc.deck.Play),
		PauseProcedure:           svc.command("pause", svc.deck.Pause),
		TogglePlayPauseProcedure: svc.command("toggle", svc.deck.TogglePlayPause),
		SeekProcedure:            svc.Seek,
		SetVolumeProcedure:       svc.SetVolume,
		ToggleMuteProcedure:      svc.command("mute", svc.deck.ToggleMute),
		NextProcedure:            svc.command("next", svc.deck.Next),
		PreviousProcedure:        svc.command("previous", svc.deck.Previous),
		ExportProcedure:          svc.Export,
		ImportProcedure:          svc.Import,
	}
	for procedure, fn := range unary {
		mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn, opts...))
	}
	mux.Handle(SubscribeProcedure, connect.NewServerStreamHandler(SubscribeProcedure, svc.Subscribe, opts...))
	return "/" + PlayerServiceName + "/", mux
}

// GetStatus returns the deck status.
func (s *PlayerService) GetStatus(ctx context.Context, req *request) (*response, error) {
	return reply(statusFields(s.deck.GetStatus()))
}

// ListTracks returns the playlist in queue order.
func (s *PlayerService) ListTracks(ctx context.Context, req *request) (*response, error) {
	return reply(map[string]any{"tracks": tracksList(s.deck.Tracks())})
}

// Upload ingests a batch of files. Per-file failures are reported in the
// outcomes, not as an RPC error.
func (s *PlayerService) Upload(ctx context.Context, req *request) (*response, error) {
	files, err := filesArg(req.Msg)
	if err != nil {
		return nil, s.fail("upload", err)
	}
	outcomes := s.deck.Upload(ctx, files)
	metrics.CommandsTotal.WithLabelValues("upload", "ok").Inc()
	return reply(map[string]any{"outcomes": outcomesList(outcomes)})
}

// DeleteTrack removes a track.
func (s *PlayerService) DeleteTrack(ctx context.Context, req *request) (*response, error) {
	id, err := stringArg(req.Msg, "id")
	if err == nil {
		err = s.deck.Delete(id)
	}
	if err != nil {
		return nil, s.fail("delete", err)
	}
	return s.state("delete")
}

// SelectTrack makes a track current.
func (s *PlayerService) SelectTrack(ctx context.Context, req *request) (*response, error) {
	id, err := stringArg(req.Msg, "id")
	if err == nil {
		err = s.deck.SelectTrack(id)
	}
	if err != nil {
		return nil, s.fail("select", err)
	}
	return s.state("select")
}

// Seek moves the playback position.
func (s *PlayerService) Seek(ctx context.Context, req *request) (*response, error) {
	seconds, err := numberArg(req.Msg, "seconds")
	if err == nil {
		err = s.deck.Seek(seconds)
	}
	if err != nil {
		return nil, s.fail("seek", err)
	}
	return s.state("seek")
}

// SetVolume sets the volume.
func (s *PlayerService) SetVolume(ctx context.Context, req *request) (*response, error) {
	v, err := numberArg(req.Msg, "volume")
	if err == nil {
		err = s.deck.SetVolume(v)
	}
	if err != nil {
		return nil, s.fail("volume", err)
	}
	return s.state("volume")
}

// Export returns the playlist export document as a string.
func (s *PlayerService) Export(ctx context.Context, req *request) (*response, error) {
	name := req.Msg.GetFields()["name"].GetStringValue()
	data, err := s.deck.Export(name)
	if err != nil {
		return nil, s.fail("export", err)
	}
	metrics.CommandsTotal.WithLabelValues("export", "ok").Inc()
	return reply(map[string]any{"document": string(data)})
}

// Import ingests an export document.
func (s *PlayerService) Import(ctx context.Context, req *request) (*response, error) {
	doc, err := stringArg(req.Msg, "document")
	if err != nil {
		return nil, s.fail("import", err)
	}
	outcomes, err := s.deck.Import(ctx, []byte(doc))
	if err != nil {
		return nil, s.fail("import", err)
	}
	metrics.CommandsTotal.WithLabelValues("import", "ok").Inc()
	return reply(map[string]any{"outcomes": outcomesList(outcomes)})
}

// Subscribe streams notifications, starting with the current state.
func (s *PlayerService) Subscribe(ctx context.Context, req *request, stream *connect.ServerStream[structpb.Struct]) error {
	notifManager := s.deck.GetNotificationManager()

	initial := &notification.Notification{
		SequenceNo: notifManager.NextSequenceNo(),
		Kind:       notification.KindState,
		State:      s.deck.State(),
		TrackCount: len(s.deck.Tracks()),
	}
	adapter := &notificationStreamAdapter{stream: stream}
	if err := adapter.Send(initial); err != nil {
		return err
	}

	subscriptionID := notifManager.Subscribe(adapter)
	defer adapter.close()
	defer notifManager.Unsubscribe(subscriptionID)
	zlog.Debug().Msgf("subscriber connected: subscription=%s", subscriptionID)

	// Wait for context cancellation or session end
	select {
	case <-ctx.Done():
	case <-s.deck.Done():
	}
	return nil
}

// command adapts an argument-less deck command.
func (s *PlayerService) command(name string, fn func() error) func(context.Context, *request) (*response, error) {
	return func(ctx context.Context, req *request) (*response, error) {
		if err := fn(); err != nil {
			return nil, s.fail(name, err)
		}
		return s.state(name)
	}
}

// state replies with the state after a successful command.
func (s *PlayerService) state(name string) (*response, error) {
	metrics.CommandsTotal.WithLabelValues(name, "ok").Inc()
	return reply(map[string]any{"state": stateFields(s.deck.State())})
}

func (s *PlayerService) fail(name string, err error) error {
	metrics.CommandsTotal.WithLabelValues(name, "error").Inc()
	zlog.Debug().Err(err).Msgf("command failed: command=%s", name)
	return toConnectError(err)
}

func reply(fields map[string]any) (*response, error) {
	msg, err := newStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// toConnectError maps domain errors to RPC codes.
func toConnectError(err error) error {
	code := connect.CodeInternal
	switch {
	case errors.Is(err, errInvalidArgument), errors.Is(err, playlist.ErrInvalidExport):
		code = connect.CodeInvalidArgument
	case errors.Is(err, track.ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, track.ErrDuplicateID):
		code = connect.CodeAlreadyExists
	case errors.Is(err, track.ErrUnsupportedFormat), errors.Is(err, track.ErrDecode):
		code = connect.CodeInvalidArgument
	case errors.Is(err, track.ErrStorage):
		code = connect.CodeUnavailable
	case errors.Is(err, track.ErrPlayback):
		code = connect.CodeFailedPrecondition
	}
	return connect.NewError(code, err)
}

// notificationStreamAdapter adapts connect.ServerStream to notification.Stream.
// Sends are serialized, and none happen once the handler has returned.
type notificationStreamAdapter struct {
	mu     sync.Mutex
	stream *connect.ServerStream[structpb.Struct]
	closed bool
}

func (a *notificationStreamAdapter) Send(n *notification.Notification) error {
	msg, err := newStruct(notificationFields(n))
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errStreamClosed
	}
	return a.stream.Send(msg)
}

func (a *notificationStreamAdapter) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}
