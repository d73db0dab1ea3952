package core_test

import (
	"testing"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

// newTestProcessor creates a Processor with buffered channels, no DB
// checker and a private metrics registry.
func newTestProcessor(t *testing.T) (*core.Processor, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p, err := core.NewProcessor(testParams(), 0, persistChan, projChan, nil, metrics, zerolog.Nop())
	require.NoError(t, err)
	p.SetFullCheckInterval(1)
	return p, persistChan, projChan
}

// commandSource issues gap-free per-sender sequences.
type commandSource struct {
	next  map[common.Address]int64
	clock int64
}

func newCommandSource() *commandSource {
	return &commandSource{next: make(map[common.Address]int64), clock: 1_700_000_000_000_000}
}

func (s *commandSource) header(sender common.Address) event.Header {
	seq := s.next[sender]
	s.next[sender] = seq + 1
	s.clock += 1_000_000
	return event.Header{CommandID: uuid.New(), Sender: sender, Sequence: seq, Timestamp: s.clock}
}

func priceUpdate(price string, seq int64) *event.PriceUpdate {
	return &event.PriceUpdate{
		Source:         "oracle",
		Price:          fpmath.MustParse(price),
		PriceSequence:  seq,
		PriceTimestamp: 1_700_000_000_000_000 + seq,
	}
}

// bootstrap returns the commands that price the system and open positions
// for alice and carol, with carol providing to the buffer.
func bootstrap(src *commandSource) []event.Event {
	return []event.Event{
		priceUpdate("2000", 0),
		&event.DepositCollateral{Header: src.header(alice), Amount: fpmath.Units(2)},
		&event.OpenPosition{Header: src.header(alice), MaxFee: fpmath.One, Debt: fpmath.Units(1800), Coll: fpmath.Units(2)},
		&event.DepositCollateral{Header: src.header(carol), Amount: fpmath.Units(100)},
		&event.OpenPosition{Header: src.header(carol), MaxFee: fpmath.One, Debt: fpmath.Units(3800), Coll: fpmath.Units(100)},
		&event.ProvideToBuffer{Header: src.header(carol), Amount: fpmath.Units(3000)},
	}
}

func mustProcess(t *testing.T, p *core.Processor, evt event.Event) *core.CoreOutput {
	t.Helper()
	out, err := p.ProcessEvent(evt)
	require.NoError(t, err, "%s", evt.EventType())
	require.NotNil(t, out)
	return out
}

// ============================================================================
// Test: Pipeline
// ============================================================================

func TestProcessor_HashChainLinksOutputs(t *testing.T) {
	p, persistChan, projChan := newTestProcessor(t)
	src := newCommandSource()

	var outputs []*core.CoreOutput
	for _, evt := range bootstrap(src) {
		outputs = append(outputs, mustProcess(t, p, evt))
	}

	require.Equal(t, core.GenesisHash(), outputs[0].Envelope.PrevHash)
	for i, out := range outputs {
		require.Equal(t, int64(i), out.Envelope.Sequence)
		require.True(t, out.Envelope.Applied())
		require.NotEmpty(t, out.Envelope.Result)
		if i > 0 {
			require.Equal(t, outputs[i-1].Envelope.StateHash, out.Envelope.PrevHash)
		}
	}
	require.Equal(t, int64(len(outputs)), p.GetSequence())
	require.Equal(t, outputs[len(outputs)-1].Envelope.StateHash, p.GetStateHash())

	require.Len(t, persistChan, len(outputs))
	require.Len(t, projChan, len(outputs))

	open := outputs[2]
	require.NotNil(t, open.Batch)
	require.Len(t, open.Positions, 1)
	require.Equal(t, alice, open.Positions[0].Owner)
	require.True(t, open.Price.Eq(fpmath.Units(2000)))
}

func TestProcessor_DuplicateDropped(t *testing.T) {
	p, persistChan, _ := newTestProcessor(t)
	src := newCommandSource()
	mustProcess(t, p, priceUpdate("2000", 0))

	deposit := &event.DepositCollateral{Header: src.header(alice), Amount: fpmath.Units(5)}
	mustProcess(t, p, deposit)

	out, err := p.ProcessEvent(deposit)
	require.NoError(t, err)
	require.Nil(t, out)
	require.Equal(t, int64(2), p.GetSequence())
	require.Len(t, persistChan, 2)
	require.True(t, p.Book().CollateralOf(alice).Eq(fpmath.Units(5)), "duplicate must not credit twice")
}

func TestProcessor_SequenceGapRejected(t *testing.T) {
	p, persistChan, _ := newTestProcessor(t)
	src := newCommandSource()

	mustProcess(t, p, &event.DepositCollateral{Header: src.header(alice), Amount: fpmath.Units(1)})

	skipped := src.header(alice)
	skipped.Sequence++
	out, err := p.ProcessEvent(&event.DepositCollateral{Header: skipped, Amount: fpmath.Units(1)})
	require.ErrorIs(t, err, core.ErrSequence)
	require.ErrorIs(t, err, core.ErrSequenceGap)
	require.False(t, core.IsRejection(err))
	require.Nil(t, out)
	require.Equal(t, int64(1), p.GetSequence())
	require.Len(t, persistChan, 1)
}

func TestProcessor_RejectionConsumesSequence(t *testing.T) {
	p, persistChan, _ := newTestProcessor(t)
	src := newCommandSource()
	mustProcess(t, p, priceUpdate("2000", 0))
	before := p.GetStateHash()

	// No custody balance behind the collateral.
	out, err := p.ProcessEvent(&event.OpenPosition{
		Header: src.header(alice),
		MaxFee: fpmath.One,
		Debt:   fpmath.Units(1800),
		Coll:   fpmath.Units(2),
	})
	require.ErrorIs(t, err, core.ErrValidation)
	require.True(t, core.IsRejection(err))
	require.NotNil(t, out)
	require.False(t, out.Envelope.Applied())
	require.NotEmpty(t, out.Envelope.Rejection)
	require.Nil(t, out.Result)
	require.Nil(t, out.Batch)
	require.Equal(t, before, out.Envelope.PrevHash)
	require.Len(t, persistChan, 2)

	// The sender's next sequence is accepted.
	mustProcess(t, p, &event.DepositCollateral{Header: src.header(alice), Amount: fpmath.Units(2)})
	require.Equal(t, int64(3), p.GetSequence())
}

func TestProcessor_StalePriceDropped(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	mustProcess(t, p, priceUpdate("2000", 5))
	out, err := p.ProcessEvent(priceUpdate("1000", 3))
	require.NoError(t, err)
	require.Nil(t, out)
	require.True(t, p.Ledger().System().ActiveColl.IsZero())

	// Gaps are fine for prices.
	out = mustProcess(t, p, priceUpdate("1500", 9))
	require.True(t, out.Price.Eq(fpmath.Units(1500)))
}

func TestProcessor_LiquidationThroughPipeline(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	src := newCommandSource()
	for _, evt := range bootstrap(src) {
		mustProcess(t, p, evt)
	}
	mustProcess(t, p, priceUpdate("1050", 1))

	out := mustProcess(t, p, &event.Liquidate{Header: src.header(dave), Target: alice})
	res, ok := out.Result.(*core.LiquidationResult)
	require.True(t, ok)
	require.Len(t, res.Positions, 1)
	require.Equal(t, 1, out.System.PositionCount)

	touched := make(map[common.Address]bool)
	for _, v := range out.Positions {
		touched[v.Owner] = true
	}
	require.True(t, touched[alice])
	require.NoError(t, p.Ledger().CheckInvariants(true))
}

// ============================================================================
// Test: Determinism and snapshots
// ============================================================================

func TestProcessor_ReplayIsDeterministic(t *testing.T) {
	src := newCommandSource()
	cmds := append(bootstrap(src),
		priceUpdate("1050", 1),
		&event.Liquidate{Header: src.header(dave), Target: alice},
		&event.ClaimCollateralGain{Header: src.header(carol)},
	)

	first, _, _ := newTestProcessor(t)
	second, _, _ := newTestProcessor(t)
	for _, evt := range cmds {
		a := mustProcess(t, first, evt)
		b := mustProcess(t, second, evt)
		require.Equal(t, a.Envelope.StateHash, b.Envelope.StateHash, "%s", evt.EventType())
	}
}

func TestProcessor_SnapshotRestoreContinuesChain(t *testing.T) {
	src := newCommandSource()
	original, _, _ := newTestProcessor(t)
	for _, evt := range bootstrap(src) {
		mustProcess(t, original, evt)
	}
	mustProcess(t, original, priceUpdate("1050", 1))
	mustProcess(t, original, &event.Liquidate{Header: src.header(dave), Target: alice})

	snap := original.CreateSnapshotState()
	require.Equal(t, original.GetSequence()-1, snap.Sequence)

	restored, _, _ := newTestProcessor(t)
	require.NoError(t, restored.RestoreFromSnapshot(snap))
	require.Equal(t, original.GetSequence(), restored.GetSequence())
	require.Equal(t, original.GetStateHash(), restored.GetStateHash())
	require.Equal(t, original.Ledger().ExportState(), restored.Ledger().ExportState())

	next := &event.ClaimCollateralGain{Header: src.header(carol)}
	a := mustProcess(t, original, next)
	b := mustProcess(t, restored, next)
	require.Equal(t, a.Envelope.StateHash, b.Envelope.StateHash)

	// Keys carried in the snapshot still deduplicate.
	out, err := restored.ProcessEvent(next)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestProcessor_RestoreRejectsUnknownVersion(t *testing.T) {
	original, _, _ := newTestProcessor(t)
	snap := original.CreateSnapshotState()
	snap.Version = core.SnapshotVersion + 1

	restored, _, _ := newTestProcessor(t)
	require.Error(t, restored.RestoreFromSnapshot(snap))
}
