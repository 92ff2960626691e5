package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/recall"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "recall.Recall"

// Recall is the request surface served over gRPC and HTTP.
type Recall interface {
	AddItem(ctx context.Context, itemID int64, vector []float32) error
	SearchCandidates(ctx context.Context, userID int64, k int) (recall.Candidates, error)
	GetMetrics(ctx context.Context) (string, error)
	ResetMetrics(ctx context.Context) error
}

var _ Recall = (*recall.Service)(nil)

// serviceDesc describes recall.Recall for grpc.Server.RegisterService.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Recall)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AddItem", Handler: addItemHandler},
		{MethodName: "SearchCandidates", Handler: searchCandidatesHandler},
		{MethodName: "GetMetrics", Handler: getMetricsHandler},
		{MethodName: "ResetMetrics", Handler: resetMetricsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "recall.proto",
}

// RegisterRecall registers srv on s.
func RegisterRecall(s grpc.ServiceRegistrar, srv Recall) {
	s.RegisterService(&serviceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts call to a grpc.MethodHandler. Requests are decoded into a
// dynamic protobuf message of the request type and converted to Req.
func unary[Req, Resp any, PReq interface {
	*Req
	wireMessage
}, PResp interface {
	*Resp
	wireMessage
}](name string, call func(Recall, context.Context, PReq) (PResp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		msg := dynamicpb.NewMessage(in.descriptor())
		if err := dec(msg); err != nil {
			return nil, err
		}
		in.fromProto(msg)
		handler := func(ctx context.Context, req any) (any, error) {
			out, err := call(srv.(Recall), ctx, req.(PReq))
			if err != nil {
				return nil, err
			}
			return out.toProto(), nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		return interceptor(ctx, in, info, handler)
	}
}

var addItemHandler = unary[Item, Empty]("AddItem", func(r Recall, ctx context.Context, in *Item) (*Empty, error) {
	if err := r.AddItem(ctx, in.ItemID, in.ItemVector); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
})

var searchCandidatesHandler = unary[Query, Candidates]("SearchCandidates", func(r Recall, ctx context.Context, in *Query) (*Candidates, error) {
	c, err := r.SearchCandidates(ctx, in.UserID, int(in.K))
	if err != nil {
		return nil, toStatus(err)
	}
	return &Candidates{Candidate: c.Items, Scores: c.Scores}, nil
})

var getMetricsHandler = unary[Empty, ServerMessage]("GetMetrics", func(r Recall, ctx context.Context, _ *Empty) (*ServerMessage, error) {
	report, err := r.GetMetrics(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ServerMessage{Str: report}, nil
})

var resetMetricsHandler = unary[Empty, Empty]("ResetMetrics", func(r Recall, ctx context.Context, _ *Empty) (*Empty, error) {
	if err := r.ResetMetrics(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
})

// codeOf maps an error kind to a gRPC status code.
func codeOf(kind core.Kind) codes.Code {
	switch kind {
	case core.KindInvalidArgument:
		return codes.InvalidArgument
	case core.KindNotFound:
		return codes.NotFound
	case core.KindDeadlineExceeded:
		return codes.DeadlineExceeded
	case core.KindInternal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// kindOf maps a gRPC status code back to an error kind.
func kindOf(code codes.Code) core.Kind {
	switch code {
	case codes.InvalidArgument:
		return core.KindInvalidArgument
	case codes.NotFound:
		return core.KindNotFound
	case codes.DeadlineExceeded, codes.Canceled:
		return core.KindDeadlineExceeded
	case codes.Internal:
		return core.KindInternal
	default:
		return core.KindUnknown
	}
}

// httpStatusOf maps an error kind to an HTTP status.
func httpStatusOf(kind core.Kind) int {
	switch kind {
	case core.KindInvalidArgument:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func toStatus(err error) error {
	return status.Error(codeOf(core.KindOf(err)), err.Error())
}

// loggingInterceptor logs every call with its latency and status code.
func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	evt := log.Debug()
	if code != codes.OK && code != codes.InvalidArgument && code != codes.NotFound {
		evt = log.Warn()
	}
	evt.Str("method", info.FullMethod).Str("code", code.String()).Dur("latency", time.Since(start)).Msg("grpc call")
	return resp, err
}
