package connect

import (
	"context"
	"strings"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls PlayerService procedures with plain field maps.
type Client struct {
	baseURL    string
	token      string
	httpClient connect.HTTPClient
	options    []connect.ClientOption
}

// NewClient creates a PlayerService client for the server at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL, token string, opts ...connect.ClientOption) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		options:    append([]connect.ClientOption{connect.WithProtoJSON()}, opts...),
	}
}

// Call invokes a unary procedure and returns the response fields.
func (c *Client) Call(ctx context.Context, procedure string, fields map[string]any) (map[string]any, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	msg, err := newStruct(fields)
	if err != nil {
		return nil, err
	}

	client := connect.NewClient[structpb.Struct, structpb.Struct](c.httpClient, c.baseURL+procedure, c.options...)
	req := connect.NewRequest(msg)
	c.authorize(req.Header().Set)

	res, err := client.CallUnary(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", procedure)
	}
	return res.Msg.AsMap(), nil
}

// Subscribe streams notifications to fn until ctx is done, the server ends
// the stream, or fn returns an error.
func (c *Client) Subscribe(ctx context.Context, fn func(map[string]any) error) error {
	client := connect.NewClient[structpb.Struct, structpb.Struct](c.httpClient, c.baseURL+SubscribeProcedure, c.options...)
	req := connect.NewRequest(&structpb.Struct{})
	c.authorize(req.Header().Set)

	stream, err := client.CallServerStream(ctx, req)
	if err != nil {
		return errors.Wrap(err, "subscribe")
	}
	defer stream.Close()

	for stream.Receive() {
		if err := fn(stream.Msg().AsMap()); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "subscribe")
	}
	return nil
}

func (c *Client) authorize(set func(key, value string)) {
	if c.token != "" {
		set(TokenHeader, c.token)
	}
}
