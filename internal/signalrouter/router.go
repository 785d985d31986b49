// Package signalrouter validates incoming intents and routes them to the
// queue or the exit path (§4.6). It rejects non-exit sells and implements
// "latest-wins" dedup/replace on the (user, symbol, timeframe, side, venue)
// composite key.
package signalrouter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dca-engine/controlplane/internal/apperr"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/dca-engine/controlplane/internal/repo"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Intent is the normalized webhook payload (§6.1), after JSON decoding.
type Intent struct {
	UserID             string
	Venue              string
	Symbol             string
	Timeframe          int
	Action             model.Side // tv.action
	ExecutionType      string     // "signal" | "exit"
	ExecutionSide      model.Side
	EntryPrice         decimal.Decimal
	OrderSizeQuote     decimal.Decimal
	MaxSlippagePercent decimal.Decimal
	Raw                json.RawMessage
}

// Outcome tells the caller what the router decided.
type Outcome struct {
	Enqueued      bool
	ExitRequested bool
	IsPyramid     bool
	QueuedSignal  *model.QueuedSignal
}

type Router struct {
	db *repo.DB
}

func New(db *repo.DB) *Router {
	return &Router{db: db}
}

// Route implements §4.6's decision tree.
func (r *Router) Route(ctx context.Context, intent Intent) (*Outcome, error) {
	if intent.Action == model.SideSell && intent.ExecutionType != "exit" {
		return nil, apperr.ErrShortRejected
	}

	if intent.Action == model.SideSell && intent.ExecutionType == "exit" {
		return &Outcome{ExitRequested: true}, nil
	}

	// action == buy
	existing, err := r.db.PositionGroups.GetActivePositionGroupForSignal(nil, intent.UserID, intent.Symbol, intent.Venue, intent.Timeframe, intent.ExecutionSide, false)
	if err != nil {
		return nil, err
	}
	isPyramid := existing != nil

	queued, err := r.enqueueOrReplace(intent, isPyramid)
	if err != nil {
		return nil, err
	}
	return &Outcome{Enqueued: true, IsPyramid: isPyramid, QueuedSignal: queued}, nil
}

// enqueueOrReplace is "latest-wins": a pending queued signal on the same
// dedup key has its entry_price/payload updated in place, replacement_count
// bumped, and queued_at reset to now.
func (r *Router) enqueueOrReplace(intent Intent, isPyramid bool) (*model.QueuedSignal, error) {
	existing, err := r.db.QueuedSignals.FindForDedup(intent.UserID, intent.Symbol, intent.Timeframe, intent.ExecutionSide, intent.Venue)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if existing != nil {
		existing.EntryPrice = intent.EntryPrice
		existing.RawPayloadJSON = string(intent.Raw)
		existing.ReplacementCount++
		existing.QueuedAt = now
		existing.IsPyramid = isPyramid
		existing.UpdatedAt = now
		if err := r.db.QueuedSignals.Update(existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	signal := &model.QueuedSignal{
		ID:             uuid.NewString(),
		UserID:         intent.UserID,
		Symbol:         intent.Symbol,
		Timeframe:      intent.Timeframe,
		Side:           intent.ExecutionSide,
		Venue:          intent.Venue,
		EntryPrice:     intent.EntryPrice,
		RawPayloadJSON: string(intent.Raw),
		QueuedAt:       now,
		Status:         model.SignalQueued,
		IsPyramid:      isPyramid,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.db.QueuedSignals.Create(signal); err != nil {
		return nil, err
	}
	return signal, nil
}
