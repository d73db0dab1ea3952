package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/query"
	"CDPLedger/internal/server"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const ownerHex = "0x00000000000000000000000000000000000000a1"

type harness struct {
	srv  *server.GRPCServer
	conn *grpc.ClientConn
	proc *core.Processor
}

func newHarness(t *testing.T, ratePerSec float64) *harness {
	t.Helper()
	proc, err := core.NewProcessor(state.DefaultParams(), 0, nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	seq := ingestion.NewSequencer(proc, 16, nil, zerolog.Nop())
	go seq.Run(ctx)

	qs := query.NewQueryService(seq, proc, nil, zerolog.Nop())
	svc := server.NewLedgerService(ingestion.NewGRPCIngestService(seq), qs, nil, nil)
	srv := server.NewGRPCServer("", "", &server.ServerDeps{
		Service:       svc,
		Gatherer:      prometheus.NewRegistry(),
		RatePerSecond: ratePerSec,
		RateBurst:     1,
		Logger:        zerolog.Nop(),
	})

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &harness{srv: srv, conn: conn, proc: proc}
}

func (h *harness) invoke(t *testing.T, method string, req, resp any) error {
	t.Helper()
	return h.conn.Invoke(context.Background(), "/"+server.ServiceName+"/"+method, req, resp)
}

func pricePayload(price string) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"source":         "oracle",
		"price":          price,
		"price_sequence": 1,
		"timestamp_us":   int64(1_700_000_000_000_000),
	})
	return b
}

func depositPayload(seq int64, amount string) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"command_id":   uuid.NewString(),
		"sender":       ownerHex,
		"sequence":     seq,
		"timestamp_us": int64(1_700_000_000_000_000) + seq + 1,
		"amount":       amount,
	})
	return b
}

// ============================================================================
// Test: gRPC
// ============================================================================

func TestLedgerService_SubmitAndQuery(t *testing.T) {
	h := newHarness(t, 0)

	var resp server.SubmitResponse
	require.NoError(t, h.invoke(t, "Submit", &server.SubmitRequest{EventType: "PriceUpdate", Payload: pricePayload("2000")}, &resp))
	require.True(t, resp.Accepted)
	require.Equal(t, int64(0), resp.Sequence)
	require.NotEmpty(t, resp.StateHash)

	resp = server.SubmitResponse{}
	require.NoError(t, h.invoke(t, "Submit", &server.SubmitRequest{EventType: "DepositCollateral", Payload: depositPayload(0, "3.5")}, &resp))
	require.True(t, resp.Accepted)
	require.Empty(t, resp.Rejection)
	require.Equal(t, int64(1), resp.Sequence)

	var bal query.BalanceResponse
	require.NoError(t, h.invoke(t, "GetBalance", &server.OwnerRequest{Owner: ownerHex}, &bal))
	require.True(t, bal.FreeCollateral.Equal(decimal.RequireFromString("3.5")))
	require.Equal(t, int64(1), bal.AsOfSequence)

	var sys query.SystemResponse
	require.NoError(t, h.invoke(t, "GetSystem", &server.Empty{}, &sys))
	require.True(t, sys.Price.Equal(decimal.NewFromInt(2000)))
	require.Equal(t, query.SourceLive, sys.Source)
}

func TestLedgerService_RejectionIsNotAnError(t *testing.T) {
	h := newHarness(t, 0)

	var resp server.SubmitResponse
	require.NoError(t, h.invoke(t, "Submit", &server.SubmitRequest{EventType: "WithdrawCollateral", Payload: depositPayload(0, "1")}, &resp))
	require.True(t, resp.Accepted)
	require.NotEmpty(t, resp.Rejection)
	require.Equal(t, int64(0), resp.Sequence)
}

func TestLedgerService_InvalidArguments(t *testing.T) {
	h := newHarness(t, 0)

	err := h.invoke(t, "GetPosition", &server.OwnerRequest{Owner: "nope"}, &query.PositionResponse{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	err = h.invoke(t, "Submit", &server.SubmitRequest{EventType: "Bogus", Payload: json.RawMessage(`{}`)}, &server.SubmitResponse{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	err = h.invoke(t, "GetPosition", &server.OwnerRequest{Owner: ownerHex}, &query.PositionResponse{})
	require.Equal(t, codes.NotFound, status.Code(err))

	err = h.invoke(t, "TakeSnapshot", &server.Empty{}, &server.SnapshotResponse{})
	require.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestLedgerService_RateLimited(t *testing.T) {
	h := newHarness(t, 0.001)

	require.NoError(t, h.invoke(t, "GetSystem", &server.Empty{}, &query.SystemResponse{}))
	err := h.invoke(t, "GetSystem", &server.Empty{}, &query.SystemResponse{})
	require.Equal(t, codes.ResourceExhausted, status.Code(err))
}

// ============================================================================
// Test: HTTP gateway
// ============================================================================

func TestGateway_Routes(t *testing.T) {
	h := newHarness(t, 0)
	handler, err := h.srv.HTTPHandler()
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	res, err := http.Post(ts.URL+"/v1/commands/PriceUpdate", "application/json", bytes.NewReader(pricePayload("1500")))
	require.NoError(t, err)
	var submit server.SubmitResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&submit))
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, submit.Accepted)

	res, err = http.Get(ts.URL + "/v1/system")
	require.NoError(t, err)
	var sys query.SystemResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&sys))
	res.Body.Close()
	require.True(t, sys.Price.Equal(decimal.NewFromInt(1500)))

	res, err = http.Get(ts.URL + "/v1/positions/not-an-address")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = http.Get(ts.URL + "/v1/positions/" + ownerHex)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res, err = http.Get(ts.URL + "/v1/fees/borrowing?debt=2000")
	require.NoError(t, err)
	var quote query.FeeQuote
	require.NoError(t, json.NewDecoder(res.Body).Decode(&quote))
	res.Body.Close()
	require.True(t, quote.Fee.IsPositive())

	for _, path := range []string{"/healthz", "/metrics"} {
		res, err = http.Get(ts.URL + path)
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode, path)
	}
}
