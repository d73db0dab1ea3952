package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

type route struct {
	method  string
	pattern string
	handler func(ctx context.Context, r *http.Request, params map[string]string) (any, error)
}

// newGatewayMux maps the REST routes onto LedgerService in process.
func newGatewayMux(svc *LedgerService, limiter *methodLimiter) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []route{
		{"POST", "/v1/commands/{event_type}", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
			}
			return svc.Submit(ctx, &SubmitRequest{EventType: p["event_type"], Payload: body})
		}},
		{"GET", "/v1/positions/{owner}", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return svc.GetPosition(ctx, &OwnerRequest{Owner: p["owner"]})
		}},
		{"GET", "/v1/risk", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			return svc.GetRiskiest(ctx, &LimitRequest{Limit: intParam(r, "limit")})
		}},
		{"GET", "/v1/system", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.GetSystem(ctx, &Empty{})
		}},
		{"GET", "/v1/balances/{owner}", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return svc.GetBalance(ctx, &OwnerRequest{Owner: p["owner"]})
		}},
		{"GET", "/v1/hints/insert", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			q := r.URL.Query()
			return svc.GetInsertHint(ctx, &InsertHintRequest{NICR: q.Get("nicr"), Prev: q.Get("prev"), Next: q.Get("next")})
		}},
		{"GET", "/v1/hints/redemption", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			return svc.GetRedemptionHints(ctx, &RedemptionHintRequest{
				Amount:        r.URL.Query().Get("amount"),
				MaxIterations: intParam(r, "max_iterations"),
			})
		}},
		{"GET", "/v1/fees/borrowing", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			return svc.GetBorrowingFee(ctx, &FeeRequest{Debt: r.URL.Query().Get("debt")})
		}},
		{"GET", "/v1/history/{owner}", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return svc.ListHistory(ctx, &OwnerRequest{Owner: p["owner"], Limit: intParam(r, "limit")})
		}},
		{"GET", "/v1/journals/{owner}", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return svc.ListJournals(ctx, &OwnerRequest{Owner: p["owner"], Asset: r.URL.Query().Get("asset"), Limit: intParam(r, "limit")})
		}},
		{"GET", "/v1/admin/eventlog", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.GetEventLogInfo(ctx, &Empty{})
		}},
		{"POST", "/v1/admin/verify", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			from, _ := strconv.ParseInt(r.URL.Query().Get("from_sequence"), 10, 64)
			return svc.VerifyIntegrity(ctx, &VerifyIntegrityRequest{FromSequence: from, Limit: intParam(r, "limit")})
		}},
		{"POST", "/v1/admin/snapshot", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.TakeSnapshot(ctx, &Empty{})
		}},
		{"POST", "/v1/admin/rebuild-projections", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.RebuildProjections(ctx, &Empty{})
		}},
	}

	for _, rt := range routes {
		rt := rt
		name := "HTTP " + rt.method + " " + rt.pattern
		err := mux.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			if !limiter.allow(name) {
				writeError(w, status.Error(codes.ResourceExhausted, "rate limit exceeded"))
				return
			}
			resp, err := rt.handler(r.Context(), r, params)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		if err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func intParam(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	st, ok := status.FromError(err)
	if !ok {
		st = status.Convert(toStatus(err))
	}
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]any{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}
