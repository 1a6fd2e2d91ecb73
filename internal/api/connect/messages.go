package connect

import (
	"encoding/base64"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/osa030/tapedeck/internal/app/ingest"
	"github.com/osa030/tapedeck/internal/app/notification"
	"github.com/osa030/tapedeck/internal/app/playback"
	"github.com/osa030/tapedeck/internal/app/session"
	"github.com/osa030/tapedeck/internal/domain/track"
)

// Messages are structpb.Struct documents; these helpers build and read them.

var errInvalidArgument = errors.New("invalid argument")

func stateFields(st playback.PlayerState) map[string]any {
	return map[string]any{
		"currentTrackId": st.CurrentTrackID,
		"status":         st.Status.String(),
		"currentTime":    finite(st.CurrentTime),
		"duration":       finite(st.Duration),
		"volume":         finite(st.Volume),
		"muted":          st.Muted,
		"queueIndex":     st.QueueIndex,
		"error":          st.Error,
	}
}

func trackFields(t track.Track) map[string]any {
	return map[string]any{
		"id":       t.ID,
		"name":     t.Name,
		"duration": finite(t.Duration),
		"size":     t.Size,
		"type":     t.MimeType,
		"addedAt":  t.AddedAt.UTC().Format(time.RFC3339),
	}
}

func tracksList(tracks []track.Track) []any {
	list := make([]any, len(tracks))
	for i, t := range tracks {
		list[i] = trackFields(t)
	}
	return list
}

func statusFields(s *session.Status) map[string]any {
	fields := map[string]any{
		"state":         stateFields(s.State),
		"trackCount":    s.TrackCount,
		"totalDuration": finite(s.TotalDuration),
		"subscribers":   s.Subscribers,
	}
	if s.CurrentTrack != nil {
		fields["currentTrack"] = trackFields(*s.CurrentTrack)
	}
	return fields
}

func outcomesList(outcomes []ingest.Outcome) []any {
	list := make([]any, len(outcomes))
	for i, o := range outcomes {
		entry := map[string]any{
			"filename": o.Filename,
			"ok":       o.OK(),
		}
		if o.Track != nil {
			entry["track"] = trackFields(*o.Track)
		}
		if o.Err != nil {
			code := o.Code
			if code == "" {
				code = track.Code(o.Err)
			}
			entry["code"] = code
			entry["error"] = o.Err.Error()
		}
		list[i] = entry
	}
	return list
}

func notificationFields(n *notification.Notification) map[string]any {
	fields := map[string]any{
		"sequenceNo": n.SequenceNo,
		"kind":       string(n.Kind),
		"state":      stateFields(n.State),
		"trackCount": n.TrackCount,
		"timestamp":  n.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if n.Message != "" {
		fields["message"] = n.Message
	}
	return fields
}

// newStruct wraps structpb.NewStruct for documents built by this package.
func newStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build message")
	}
	return s, nil
}

func stringArg(msg *structpb.Struct, key string) (string, error) {
	v, ok := msg.GetFields()[key]
	if !ok {
		return "", errors.Wrapf(errInvalidArgument, "%s is required", key)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", errors.Wrapf(errInvalidArgument, "%s must be a string", key)
	}
	return s.StringValue, nil
}

func numberArg(msg *structpb.Struct, key string) (float64, error) {
	v, ok := msg.GetFields()[key]
	if !ok {
		return 0, errors.Wrapf(errInvalidArgument, "%s is required", key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, errors.Wrapf(errInvalidArgument, "%s must be a number", key)
	}
	return n.NumberValue, nil
}

// filesArg reads {"files":[{"name","type","data"}]} where data is base64.
func filesArg(msg *structpb.Struct) ([]ingest.File, error) {
	v, ok := msg.GetFields()["files"]
	if !ok || v.GetListValue() == nil {
		return nil, errors.Wrap(errInvalidArgument, "files must be a list")
	}

	entries := v.GetListValue().GetValues()
	files := make([]ingest.File, 0, len(entries))
	for i, entry := range entries {
		fields := entry.GetStructValue()
		if fields == nil {
			return nil, errors.Wrapf(errInvalidArgument, "files[%d] must be an object", i)
		}
		name, err := stringArg(fields, "name")
		if err != nil {
			return nil, errors.Wrapf(err, "files[%d]", i)
		}
		encoded, err := stringArg(fields, "data")
		if err != nil {
			return nil, errors.Wrapf(err, "files[%d]", i)
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "files[%d] data", i), errInvalidArgument)
		}
		mimeType := fields.GetFields()["type"].GetStringValue()
		files = append(files, ingest.File{Name: name, MimeType: mimeType, Data: data})
	}
	return files, nil
}

// finite maps NaN and infinities to 0, which JSON can carry.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
