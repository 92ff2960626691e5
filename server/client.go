package server

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/recall"
)

// Client calls a remote recall service. It satisfies Recall, so handlers and
// tests can use a local service and a remote one interchangeably.
type Client struct {
	conn *grpc.ClientConn
}

var _ Recall = (*Client)(nil)

// Dial connects to a recall gRPC endpoint over plaintext. Extra options are
// appended to the defaults; messages are protobuf unless a call option
// selects JSONSubtype.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// invoke sends in and decodes the reply into out.
func (c *Client) invoke(ctx context.Context, name string, in, out wireMessage) error {
	reply := dynamicpb.NewMessage(out.descriptor())
	if err := c.conn.Invoke(ctx, fullMethod(name), in.toProto(), reply); err != nil {
		return fromStatus(name, err)
	}
	out.fromProto(reply)
	return nil
}

// AddItem inserts an item remotely.
func (c *Client) AddItem(ctx context.Context, itemID int64, vector []float32) error {
	return c.invoke(ctx, "AddItem", &Item{ItemID: itemID, ItemVector: vector}, &Empty{})
}

// SearchCandidates queries candidates for userID remotely. k must fit the
// int32 field of the request.
func (c *Client) SearchCandidates(ctx context.Context, userID int64, k int) (recall.Candidates, error) {
	if k < math.MinInt32 || k > math.MaxInt32 {
		return recall.Candidates{}, core.E(core.KindInvalidArgument, "SearchCandidates", nil, "k=%d overflows int32", k)
	}
	var out Candidates
	if err := c.invoke(ctx, "SearchCandidates", &Query{UserID: userID, K: int32(k)}, &out); err != nil {
		return recall.Candidates{}, err
	}
	return recall.Candidates{Items: out.Candidate, Scores: out.Scores}, nil
}

// GetMetrics returns the remote metrics report.
func (c *Client) GetMetrics(ctx context.Context) (string, error) {
	var out ServerMessage
	if err := c.invoke(ctx, "GetMetrics", &Empty{}, &out); err != nil {
		return "", err
	}
	return out.Str, nil
}

// ResetMetrics resets the remote counters.
func (c *Client) ResetMetrics(ctx context.Context) error {
	return c.invoke(ctx, "ResetMetrics", &Empty{}, &Empty{})
}

// fromStatus turns a gRPC status back into a *core.Error of the matching kind.
func fromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return core.E(core.KindOf(err), op, err, "rpc failed")
	}
	return &core.Error{Kind: kindOf(st.Code()), Op: op, Msg: st.Message()}
}
