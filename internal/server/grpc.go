package server

import (
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/observability"
	"LendLedger/internal/pool"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// maxLogsPerCall bounds one GetLogs response.
const maxLogsPerCall = 1000

// Ledger is the authority surface served over gRPC.
type Ledger interface {
	Submit(ctx context.Context, tx core.Transaction) (core.SubmitResult, error)
	PendingNonce(sender string) uint64
	Receipt(ctx context.Context, txHash string) (*core.Receipt, error)
	GetLogs(ctx context.Context, from int64, limit int) ([]event.LogEntry, error)
	LogHead(ctx context.Context) (int64, error)
	GetPosition(positionID uint64) (*core.PositionView, bool)
	PoolStats() pool.Stats
}

// GRPCServer wraps the gRPC server of the ledger authority.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	grpcAddr     string
	logger       zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr string, ledger Ledger) *GRPCServer {
	logger := observability.NewLogger("grpc")
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)

	RegisterLedgerServiceServer(grpcServer, &ledgerServiceImpl{ledger: ledger})

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		logger:       logger,
	}
}

// SetServing flips the gRPC health status, set once replay is complete.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(serviceName, st)
}

// Serve serves on an existing listener (blocking).
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		if code == codes.Internal || code == codes.Unknown {
			logger.Error().Err(err).Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("rpc failed")
		} else {
			logger.Debug().Str("method", info.FullMethod).Str("code", code.String()).Dur("took", time.Since(start)).Msg("rpc")
		}
		return resp, err
	}
}

// ============================================================================
// LedgerService implementation
// ============================================================================

type ledgerServiceImpl struct {
	ledger Ledger
}

func (s *ledgerServiceImpl) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	res, err := s.ledger.Submit(ctx, req.Transaction)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitResponse{Result: res}, nil
}

func (s *ledgerServiceImpl) PendingNonce(ctx context.Context, req *PendingNonceRequest) (*PendingNonceResponse, error) {
	if req.Sender == "" {
		return nil, status.Error(codes.InvalidArgument, "sender is required")
	}
	return &PendingNonceResponse{Nonce: s.ledger.PendingNonce(req.Sender)}, nil
}

func (s *ledgerServiceImpl) Receipt(ctx context.Context, req *ReceiptRequest) (*ReceiptResponse, error) {
	if req.TxHash == "" {
		return nil, status.Error(codes.InvalidArgument, "tx_hash is required")
	}
	rec, err := s.ledger.Receipt(ctx, req.TxHash)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReceiptResponse{Receipt: rec}, nil
}

func (s *ledgerServiceImpl) GetLogs(ctx context.Context, req *GetLogsRequest) (*GetLogsResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > maxLogsPerCall {
		limit = maxLogsPerCall
	}
	head, err := s.ledger.LogHead(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	logs, err := s.ledger.GetLogs(ctx, req.FromSequence, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetLogsResponse{Logs: logs, Head: head}, nil
}

func (s *ledgerServiceImpl) GetPosition(ctx context.Context, req *GetPositionRequest) (*GetPositionResponse, error) {
	view, ok := s.ledger.GetPosition(req.PositionID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "position %d not found", req.PositionID)
	}
	return &GetPositionResponse{Position: view}, nil
}

func (s *ledgerServiceImpl) PoolStats(ctx context.Context, req *PoolStatsRequest) (*PoolStatsResponse, error) {
	return &PoolStatsResponse{Stats: s.ledger.PoolStats()}, nil
}

// toStatus maps authority errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, core.ErrNonceTooLow), errors.Is(err, core.ErrNonceGap):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, core.ErrNotConfirmed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, core.ErrUnknownTx):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrInvalidTransaction):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		// Database or log failures: the caller may retry
		return status.Error(codes.Unavailable, err.Error())
	}
}
