package ingestion

import (
	"encoding/json"
	"fmt"

	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type name) into a
// typed command. The shell validates and parses; the processor only ever
// sees well-formed commands.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "OpenPosition":
		return parseOpenPosition(raw.Data)
	case "AdjustPosition":
		return parseAdjustPosition(raw.Data)
	case "ClosePosition":
		return parseClosePosition(raw.Data)
	case "Liquidate":
		return parseLiquidate(raw.Data)
	case "LiquidateBatch":
		return parseLiquidateBatch(raw.Data)
	case "Redeem":
		return parseRedeem(raw.Data)
	case "ProvideToBuffer":
		return parseProvideToBuffer(raw.Data)
	case "WithdrawFromBuffer":
		return parseWithdrawFromBuffer(raw.Data)
	case "ClaimCollateralGain":
		return parseClaimCollateralGain(raw.Data)
	case "ClaimSurplus":
		return parseClaimSurplus(raw.Data)
	case "DepositCollateral":
		return parseDepositCollateral(raw.Data)
	case "WithdrawCollateral":
		return parseWithdrawCollateral(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	case "ParamsUpdate":
		return parseParamsUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// decimal strings with up to 18 fractional digits; addresses are 0x hex.

type headerJSON struct {
	CommandID   string `json:"command_id"`
	Sender      string `json:"sender"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (j headerJSON) header() (event.Header, error) {
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return event.Header{}, fmt.Errorf("parse command_id: %w", err)
	}
	sender, err := parseAddress("sender", j.Sender, false)
	if err != nil {
		return event.Header{}, err
	}
	if j.Sequence < 0 {
		return event.Header{}, fmt.Errorf("negative sequence %d", j.Sequence)
	}
	return event.Header{
		CommandID: id,
		Sender:    sender,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

// parseAddress parses a hex address. Optional fields accept the empty
// string as the zero address.
func parseAddress(field, s string, optional bool) (common.Address, error) {
	if s == "" && optional {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: invalid address %q", field, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) && !optional {
		return common.Address{}, fmt.Errorf("parse %s: zero address", field)
	}
	return addr, nil
}

// parseAmount parses a decimal amount. The empty string is zero.
func parseAmount(field, s string) (fpmath.Fixed, error) {
	if s == "" {
		return fpmath.Zero, nil
	}
	v, err := fpmath.Parse(s)
	if err != nil {
		return fpmath.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

func decode(name string, data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// --- Positions ---

type openPositionJSON struct {
	headerJSON
	MaxFee   string `json:"max_fee"`
	Debt     string `json:"debt"`
	Coll     string `json:"coll"`
	PrevHint string `json:"prev_hint"`
	NextHint string `json:"next_hint"`
}

func parseOpenPosition(data []byte) (*event.OpenPosition, error) {
	var j openPositionJSON
	if err := decode("OpenPosition", data, &j); err != nil {
		return nil, err
	}
	h, err := j.header()
	if err != nil {
		return nil, err
	}
	evt := &event.OpenPosition{Header: h}
	if evt.MaxFee, err = parseAmount("max_fee", j.MaxFee); err != nil {
		return nil, err
	}
	if evt.Debt, err = parseAmount("debt", j.Debt); err != nil {
		return nil, err
	}
	if evt.Coll, err = parseAmount("coll", j.Coll); err != nil {
		return nil, err
	}
	if evt.PrevHint, err = parseAddress("prev_hint", j.PrevHint, true); err != nil {
		return nil, err
	}
	if evt.NextHint, err = parseAddress("next_hint", j.NextHint, true); err != nil {
		return nil, err
	}
	return evt, nil
}

type adjustPositionJSON struct {
	headerJSON
	MaxFee         string `json:"max_fee"`
	CollDelta      string `json:"coll_delta"`
	IsCollIncrease bool   `json:"is_coll_increase"`
	DebtDelta      string `json:"debt_delta"`
	IsDebtIncrease bool   `json:"is_debt_increase"`
	PrevHint       string `json:"prev_hint"`
	NextHint       string `json:"next_hint"`
}

func parseAdjustPosition(data []byte) (*event.AdjustPosition, error) {
	var j adjustPositionJSON
	if err := decode("AdjustPosition", data, &j); err != nil {
		return nil, err
	}
	h, err := j.header()
	if err != nil {
		return nil, err
	}
	evt := &event.AdjustPosition{
		Header:         h,
		IsCollIncrease: j.IsCollIncrease,
		IsDebtIncrease: j.IsDebtIncrease,
	}
	if evt.MaxFee, err = parseAmount("max_fee", j.MaxFee); err != nil {
		return nil, err
	}
	if evt.CollDelta, err = parseAmount("coll_delta", j.CollDelta); err != nil {
		return nil, err
	}
	if evt.DebtDelta, err = parseAmount("debt_delta", j.DebtDelta); err != nil {
		return nil, err
	}
	if evt.PrevHint, err = parseAddress("prev_hint", j.PrevHint, true); err != nil {
		return nil, err
	}
	if evt.NextHint, err = parseAddress("next_hint", j.NextHint, true); err != nil {
		return nil, err
	}
	return evt, nil
}

func parseClosePosition(data []byte) (*event.ClosePosition, error) {
	var j headerJSON
	if err := decode("ClosePosition", data, &j); err != nil {
		return nil, err
	}
	h, err := j.header()
	if err != nil {
		return nil, err
	}
	return &event.ClosePosition{Header: h}, nil
}

// --- Liquidation and redemption ---

type liquidateJSON struct {
	headerJSON
	Target string `json:"target"`
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := decode("Liquidate", data, &j); err != nil {
		return nil, err
	}
	h, err := j.header()
	if err != nil {
		return nil, err
	}
	target, err := parseAddress("target", j.Target, false)
	if err != nil {
		return nil, err
	}
	return &event.Liquidate{Header: h, Target: target}, nil
}

type liquidateBatchJSON struct {
	headerJSON
	MaxCount int      `json:"max_count"`
	Owners   []string `json:"owners"`
}

func parseLiquidateBatch(data []byte) (*event.LiquidateBatch, error) {
	var j liquidateBatchJSON
	if err := decode("LiquidateBatch", data, &j); err != nil {
		return nil, err
	}
	h, err := j.header()
	if err != nil {
		return nil, err
	}
	evt := &event.LiquidateBatch{Header: h, MaxCount: j.MaxCount}
	for i, s := range j.Owners {
		owner, err := parseAddress(fmt.Sprintf("owners[%d]", i), s, false)
		if err != nil {
			return nil, err
		}
		evt.Owners = append(evt.Owners, owner)
	}
	return evt, nil
}

type redeemJSON struct {
	headerJSON
	Amount        string `json:"amount"`
	FirstHint     string `json:"first_hint"`
	PartialHint   string `json:"partial_hint"`
	PartialNICR   string `json:"partial_nicr"`
	MaxIterations int    `json:"max_iterations"`
	MaxFee        string `json:"max_fee"`
}

func parseRedeem(data []byte) (*event.Redeem, error) {
	var j redeemJSON
	if err := decode("Redeem", data, &j); err != nil {
		return nil, err
	}
	h, err := j.header()
	if err != nil {
		return nil, err
	}
	evt := &event.Redeem{Header: h, MaxIterations: j.MaxIterations}
	if evt.Amount, err = parseAmount("amount", j.Amount); err != nil {
		return nil, err
	}
	if evt.PartialNICR, err = parseAmount("partial_nicr", j.PartialNICR); err != nil {
		return nil, err
	}
	if evt.MaxFee, err = parseAmount("max_fee", j.MaxFee); err != nil {
		return nil, err
	}
	if evt.FirstHint, err = parseAddress("first_hint", j.FirstHint, true); err != nil {
		return nil, err
	}
	if evt.PartialHint, err = parseAddress("partial_hint", j.PartialHint, true); err != nil {
		return nil, err
	}
	return evt, nil
}

// --- Stability buffer ---

type amountJSON struct {
	headerJSON
	Amount string `json:"amount"`
}

func (j amountJSON) parse() (event.Header, fpmath.Fixed, error) {
	h, err := j.header()
	if err != nil {
		return h, fpmath.Zero, err
	}
	amount, err := parseAmount("amount", j.Amount)
	return h, amount, err
}

func parseProvideToBuffer(data []byte) (*event.ProvideToBuffer, error) {
	var j amountJSON
	if err := decode("ProvideToBuffer", data, &j); err != nil {
		return nil, err
	}
	h, amount, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.ProvideToBuffer{Header: h, Amount: amount}, nil
}

func parseWithdrawFromBuffer(data []byte) (*event.WithdrawFromBuffer, error) {
	var j amountJSON
	if err := decode("WithdrawFromBuffer", data, &j); err != nil {
		return nil, err
	}
	h, amount, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.WithdrawFromBuffer{Header: h, Amount: amount}, nil
}

type claimGainJSON struct {
	headerJSON
	ToPosition bool   `json:"to_position"`
	PrevHint   string `json:"prev_hint"`
	NextHint   string `json:"next_hint"`
}

func parseClaimCollateralGain(data []byte) (*event.ClaimCollateralGain, error) {
	var j claimGainJSON
	if err := decode("ClaimCollateralGain", data, &j); err != nil {
		return nil, err
	}
	h, err := j.header()
	if err != nil {
		return nil, err
	}
	evt := &event.ClaimCollateralGain{Header: h, ToPosition: j.ToPosition}
	if evt.PrevHint, err = parseAddress("prev_hint", j.PrevHint, true); err != nil {
		return nil, err
	}
	if evt.NextHint, err = parseAddress("next_hint", j.NextHint, true); err != nil {
		return nil, err
	}
	return evt, nil
}

// --- Custody ---

func parseClaimSurplus(data []byte) (*event.ClaimSurplus, error) {
	var j headerJSON
	if err := decode("ClaimSurplus", data, &j); err != nil {
		return nil, err
	}
	h, err := j.header()
	if err != nil {
		return nil, err
	}
	return &event.ClaimSurplus{Header: h}, nil
}

func parseDepositCollateral(data []byte) (*event.DepositCollateral, error) {
	var j amountJSON
	if err := decode("DepositCollateral", data, &j); err != nil {
		return nil, err
	}
	h, amount, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.DepositCollateral{Header: h, Amount: amount}, nil
}

func parseWithdrawCollateral(data []byte) (*event.WithdrawCollateral, error) {
	var j amountJSON
	if err := decode("WithdrawCollateral", data, &j); err != nil {
		return nil, err
	}
	h, amount, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.WithdrawCollateral{Header: h, Amount: amount}, nil
}

// --- Oracle and governance ---

type priceUpdateJSON struct {
	Source        string `json:"source"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := decode("PriceUpdate", data, &j); err != nil {
		return nil, err
	}
	if j.Source == "" {
		return nil, fmt.Errorf("parse PriceUpdate: empty source")
	}
	price, err := parseAmount("price", j.Price)
	if err != nil {
		return nil, err
	}
	if price.IsZero() {
		return nil, fmt.Errorf("parse PriceUpdate: price must be positive")
	}
	return &event.PriceUpdate{
		Source:         j.Source,
		Price:          price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.TimestampUs,
	}, nil
}

type paramsUpdateJSON struct {
	Params      state.Params `json:"params"`
	Sequence    int64        `json:"sequence"`
	TimestampUs int64        `json:"timestamp_us"`
}

// parseParamsUpdate decodes a full parameter set. Amounts inside params are
// decimal strings through Fixed's text unmarshaling.
func parseParamsUpdate(data []byte) (*event.ParamsUpdate, error) {
	var j paramsUpdateJSON
	if err := decode("ParamsUpdate", data, &j); err != nil {
		return nil, err
	}
	if err := state.ValidateParams(&j.Params); err != nil {
		return nil, fmt.Errorf("parse ParamsUpdate: %w", err)
	}
	return &event.ParamsUpdate{
		Params:    j.Params,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}
