package server

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"

	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "cdp.v1.Ledger"

	defaultPageSize = 50
	maxPageSize     = 500
)

// SnapshotFunc captures and stores a snapshot, returning its sequence and
// encoded size.
type SnapshotFunc func(ctx context.Context) (int64, int, error)

// RebuildFunc rebuilds the read projection from the live ledger.
type RebuildFunc func(ctx context.Context) error

// LedgerService implements cdp.v1.Ledger on top of the ingest adapter and
// the query service.
type LedgerService struct {
	ingest   *ingestion.GRPCIngestService
	query    *query.QueryService
	snapshot SnapshotFunc
	rebuild  RebuildFunc
}

func NewLedgerService(ingest *ingestion.GRPCIngestService, qs *query.QueryService, snapshot SnapshotFunc, rebuild RebuildFunc) *LedgerService {
	return &LedgerService{ingest: ingest, query: qs, snapshot: snapshot, rebuild: rebuild}
}

// ledgerServer is the handler type checked by grpc.RegisterService.
type ledgerServer interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)
}

// ============================================================================
// Commands
// ============================================================================

// Submit applies one command in its NATS wire format. A rejected command is
// a successful call carrying the rejection; it consumed its sequence.
func (s *LedgerService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if req.EventType == "" || len(req.Payload) == 0 {
		return nil, status.Error(codes.InvalidArgument, "event_type and payload are required")
	}
	out, err := s.ingest.SubmitJSON(ctx, req.EventType, req.Payload)
	switch {
	case out != nil:
		// Applied or rejected; either way the command holds a sequence.
	case err == nil:
		return &SubmitResponse{Accepted: false, Sequence: -1}, nil
	case errors.Is(err, core.ErrSequence):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, toStatus(err)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "parse %s: %v", req.EventType, err)
	}

	env := out.Envelope
	return &SubmitResponse{
		Accepted:  true,
		Sequence:  env.Sequence,
		Rejection: env.Rejection,
		Result:    env.Result,
		StateHash: hex.EncodeToString(env.StateHash[:]),
	}, nil
}

// ============================================================================
// Queries
// ============================================================================

func (s *LedgerService) GetPosition(ctx context.Context, req *OwnerRequest) (*query.PositionResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	resp, err := s.query.GetPosition(ctx, owner)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *LedgerService) GetRiskiest(ctx context.Context, req *LimitRequest) (*PositionsResponse, error) {
	out, err := s.query.GetRiskiest(ctx, pageSize(req.Limit))
	if err != nil {
		return nil, toStatus(err)
	}
	return &PositionsResponse{Positions: out}, nil
}

func (s *LedgerService) GetSystem(ctx context.Context, _ *Empty) (*query.SystemResponse, error) {
	resp, err := s.query.GetSystem(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *LedgerService) GetBalance(ctx context.Context, req *OwnerRequest) (*query.BalanceResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	resp, err := s.query.GetBalance(ctx, owner)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *LedgerService) GetInsertHint(ctx context.Context, req *InsertHintRequest) (*query.InsertHintResponse, error) {
	nicr, err := parseFixed("nicr", req.NICR)
	if err != nil {
		return nil, err
	}
	prev, err := parseOptionalAddress("prev", req.Prev)
	if err != nil {
		return nil, err
	}
	next, err := parseOptionalAddress("next", req.Next)
	if err != nil {
		return nil, err
	}
	resp, err := s.query.GetInsertHint(ctx, nicr, prev, next)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *LedgerService) GetRedemptionHints(ctx context.Context, req *RedemptionHintRequest) (*query.RedemptionHintResponse, error) {
	amount, err := parseFixed("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	if req.MaxIterations < 0 {
		return nil, status.Error(codes.InvalidArgument, "max_iterations must be >= 0")
	}
	resp, err := s.query.GetRedemptionHints(ctx, amount, req.MaxIterations)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *LedgerService) GetBorrowingFee(ctx context.Context, req *FeeRequest) (*query.FeeQuote, error) {
	debt, err := parseFixed("debt", req.Debt)
	if err != nil {
		return nil, err
	}
	resp, err := s.query.GetBorrowingFee(ctx, debt)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *LedgerService) ListHistory(ctx context.Context, req *OwnerRequest) (*HistoryListResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	out, err := s.query.GetHistory(ctx, owner, pageSize(req.Limit))
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryListResponse{Entries: out}, nil
}

func (s *LedgerService) ListJournals(ctx context.Context, req *OwnerRequest) (*JournalListResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	var asset ledger.AssetID
	switch strings.ToUpper(req.Asset) {
	case "", ledger.AssetCollateral.String():
		asset = ledger.AssetCollateral
	case ledger.AssetDebtToken.String():
		asset = ledger.AssetDebtToken
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown asset %q", req.Asset)
	}
	out, err := s.query.GetJournalHistory(ctx, owner, asset, pageSize(req.Limit))
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalListResponse{Journals: out}, nil
}

// ============================================================================
// Admin
// ============================================================================

func (s *LedgerService) GetEventLogInfo(ctx context.Context, _ *Empty) (*query.EventLogInfo, error) {
	info, err := s.query.GetEventLogInfo(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return info, nil
}

func (s *LedgerService) VerifyIntegrity(ctx context.Context, req *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 100_000
	}
	report, err := s.query.VerifyIntegrity(ctx, req.FromSequence, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

func (s *LedgerService) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.snapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are not configured")
	}
	seq, size, err := s.snapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "snapshot: %v", err)
	}
	return &SnapshotResponse{Sequence: seq, SizeBytes: size}, nil
}

func (s *LedgerService) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if s.rebuild == nil {
		return nil, status.Error(codes.Unimplemented, "projections are not configured")
	}
	if err := s.rebuild(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildResponse{Started: true}, nil
}

// ============================================================================
// Service descriptor
// ============================================================================

// unary adapts a typed method to a grpc.MethodDesc.
func unary[Req any, Resp any](name string, call func(*LedgerService, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			handler := func(ctx context.Context, r any) (any, error) {
				return call(srv.(*LedgerService), ctx, r.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// LedgerServiceDesc describes cdp.v1.Ledger. Messages use the JSON codec.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ledgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", (*LedgerService).Submit),
		unary("GetPosition", (*LedgerService).GetPosition),
		unary("GetRiskiest", (*LedgerService).GetRiskiest),
		unary("GetSystem", (*LedgerService).GetSystem),
		unary("GetBalance", (*LedgerService).GetBalance),
		unary("GetInsertHint", (*LedgerService).GetInsertHint),
		unary("GetRedemptionHints", (*LedgerService).GetRedemptionHints),
		unary("GetBorrowingFee", (*LedgerService).GetBorrowingFee),
		unary("ListHistory", (*LedgerService).ListHistory),
		unary("ListJournals", (*LedgerService).ListJournals),
		unary("GetEventLogInfo", (*LedgerService).GetEventLogInfo),
		unary("VerifyIntegrity", (*LedgerService).VerifyIntegrity),
		unary("TakeSnapshot", (*LedgerService).TakeSnapshot),
		unary("RebuildProjections", (*LedgerService).RebuildProjections),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cdp/v1/ledger",
}

// ============================================================================
// Helpers
// ============================================================================

// toStatus maps service errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, query.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrArithmetic):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, core.ErrState), errors.Is(err, core.ErrSequence):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseOptionalAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	return parseAddress(field, s)
}

func parseFixed(field, s string) (fpmath.Fixed, error) {
	v, err := fpmath.Parse(s)
	if err != nil {
		return fpmath.Zero, status.Errorf(codes.InvalidArgument, "%s: %v", field, err)
	}
	return v, nil
}

func pageSize(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}
