package server

import (
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/pool"
	"context"

	"google.golang.org/grpc"
)

const serviceName = "lendledger.ledger.v1.LedgerService"

// ============================================================================
// Messages
// ============================================================================

type SubmitRequest struct {
	Transaction core.Transaction `json:"transaction"`
}

type SubmitResponse struct {
	Result core.SubmitResult `json:"result"`
}

type PendingNonceRequest struct {
	Sender string `json:"sender"`
}

type PendingNonceResponse struct {
	Nonce uint64 `json:"nonce"`
}

type ReceiptRequest struct {
	TxHash string `json:"tx_hash"`
}

type ReceiptResponse struct {
	Receipt *core.Receipt `json:"receipt"`
}

type GetLogsRequest struct {
	FromSequence int64 `json:"from_sequence"`
	Limit        int   `json:"limit"`
}

type GetLogsResponse struct {
	Logs []event.LogEntry `json:"logs"`
	Head int64            `json:"head"`
}

type GetPositionRequest struct {
	PositionID uint64 `json:"position_id"`
}

type GetPositionResponse struct {
	Position *core.PositionView `json:"position"`
}

type PoolStatsRequest struct{}

type PoolStatsResponse struct {
	Stats pool.Stats `json:"stats"`
}

// ============================================================================
// Service descriptor
// ============================================================================

// LedgerServiceServer is the server API of the ledger authority.
type LedgerServiceServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	PendingNonce(context.Context, *PendingNonceRequest) (*PendingNonceResponse, error)
	Receipt(context.Context, *ReceiptRequest) (*ReceiptResponse, error)
	GetLogs(context.Context, *GetLogsRequest) (*GetLogsResponse, error)
	GetPosition(context.Context, *GetPositionRequest) (*GetPositionResponse, error)
	PoolStats(context.Context, *PoolStatsRequest) (*PoolStatsResponse, error)
}

// RegisterLedgerServiceServer registers srv on s.
func RegisterLedgerServiceServer(s grpc.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

// unaryHandler adapts a typed method to grpc.MethodHandler.
func unaryHandler[Req, Resp any](
	method string,
	call func(LedgerServiceServer, context.Context, *Req) (*Resp, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + serviceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler("Submit", LedgerServiceServer.Submit)},
		{MethodName: "PendingNonce", Handler: unaryHandler("PendingNonce", LedgerServiceServer.PendingNonce)},
		{MethodName: "Receipt", Handler: unaryHandler("Receipt", LedgerServiceServer.Receipt)},
		{MethodName: "GetLogs", Handler: unaryHandler("GetLogs", LedgerServiceServer.GetLogs)},
		{MethodName: "GetPosition", Handler: unaryHandler("GetPosition", LedgerServiceServer.GetPosition)},
		{MethodName: "PoolStats", Handler: unaryHandler("PoolStats", LedgerServiceServer.PoolStats)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lendledger/ledger/v1/ledger.json",
}
