// Package model holds the persisted entities of the trading control plane:
// User, PositionGroup, Pyramid, DCAOrder, QueuedSignal and RiskAction.
// Monetary, price and quantity fields are shopspring/decimal throughout —
// floating point is never used on an accounting path.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PositionGroupStatus string

const (
	GroupWaiting         PositionGroupStatus = "waiting"
	GroupLive            PositionGroupStatus = "live"
	GroupPartiallyFilled PositionGroupStatus = "partially_filled"
	GroupActive          PositionGroupStatus = "active"
	GroupClosing         PositionGroupStatus = "closing"
	GroupClosed          PositionGroupStatus = "closed"
	GroupFailed          PositionGroupStatus = "failed"
)

type TPMode string

const (
	TPModePerLeg    TPMode = "per_leg"
	TPModeAggregate TPMode = "aggregate"
	TPModeHybrid    TPMode = "hybrid"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type PyramidStatus string

const (
	PyramidPending         PyramidStatus = "pending"
	PyramidPartiallyFilled PyramidStatus = "partially_filled"
	PyramidFilled          PyramidStatus = "filled"
	PyramidClosed          PyramidStatus = "closed"
	PyramidCancelled       PyramidStatus = "cancelled"
)

type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderTriggerPending OrderStatus = "trigger_pending"
	OrderOpen           OrderStatus = "open"
	OrderPartiallyFill  OrderStatus = "partially_filled"
	OrderFilled         OrderStatus = "filled"
	OrderCancelled      OrderStatus = "cancelled"
	OrderFailed         OrderStatus = "failed"
)

// TPFillLegIndex is the synthetic leg_index that marks a DCAOrder row as a
// take-profit fill record rather than an entry leg (§4.5, §4.9).
const TPFillLegIndex = 999

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderFailed:
		return true
	default:
		return false
	}
}

type QueuedSignalStatus string

const (
	SignalQueued    QueuedSignalStatus = "queued"
	SignalPromoted  QueuedSignalStatus = "promoted"
	SignalCancelled QueuedSignalStatus = "cancelled"
	SignalFailed    QueuedSignalStatus = "failed"
)

// VenueCredential is one exchange's encrypted API key blob plus the mode
// flags the Exchange Gateway needs for connector-cache key derivation.
type VenueCredential struct {
	EncryptedAPIKey string `gorm:"column:encrypted_api_key" json:"encrypted_api_key"`
	Testnet         bool   `gorm:"column:testnet" json:"testnet"`
	AccountType     string `gorm:"column:account_type" json:"account_type"`
	DefaultType     string `gorm:"column:default_type" json:"default_type"`
}

// RiskConfig is the per-user tuning of the Risk Engine (§4.10).
type RiskConfig struct {
	MaxTotalExposureUSD        decimal.Decimal `gorm:"column:max_total_exposure_usd;type:decimal(24,8)" json:"max_total_exposure_usd"`
	MaxOpenPositionsPerSymbol  int             `gorm:"column:max_open_positions_per_symbol" json:"max_open_positions_per_symbol"`
	MaxRealizedLossUSD         decimal.Decimal `gorm:"column:max_realized_loss_usd;type:decimal(24,8)" json:"max_realized_loss_usd"`
	LossThresholdPercent       decimal.Decimal `gorm:"column:loss_threshold_percent;type:decimal(10,4)" json:"loss_threshold_percent"`
	RequiredPyramidsForTimer   int             `gorm:"column:required_pyramids_for_timer" json:"required_pyramids_for_timer"`
	PostPyramidsWaitMinutes    int             `gorm:"column:post_pyramids_wait_minutes" json:"post_pyramids_wait_minutes"`
	MaxWinnersToCombine        int             `gorm:"column:max_winners_to_combine" json:"max_winners_to_combine"`
	ForceStop                  bool            `gorm:"column:force_stop" json:"force_stop"`
	MaxOpenPositionsGlobal     int             `gorm:"column:max_open_positions_global" json:"max_open_positions_global"`
}

// User is the configuration holder; every other entity is owned by a User.
type User struct {
	ID              string `gorm:"primaryKey;type:varchar(36)"`
	WebhookSecret   string `gorm:"column:webhook_secret"`
	DefaultVenue    string `gorm:"column:default_venue"`
	VenueCreds      string `gorm:"column:venue_creds;type:text"` // JSON map{venue -> VenueCredential}
	GridConfigJSON  string `gorm:"column:grid_config_json;type:text"` // DCAGridConfig, this user's default ladder
	RiskConfig      RiskConfig `gorm:"embedded;embeddedPrefix:risk_"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (User) TableName() string { return "users" }

// PositionGroup is the unit the engine plans and closes against (§3).
type PositionGroup struct {
	ID       string `gorm:"primaryKey;type:varchar(36)"`
	UserID   string `gorm:"column:user_id;index:idx_pg_user_symbol"`
	Venue    string `gorm:"column:venue"`
	Symbol   string `gorm:"column:symbol;index:idx_pg_user_symbol"`
	Timeframe int   `gorm:"column:timeframe"`
	Side     Side   `gorm:"column:side"`

	BaseEntryPrice     decimal.Decimal `gorm:"column:base_entry_price;type:decimal(24,8)"`
	WeightedAvgEntry   decimal.Decimal `gorm:"column:weighted_avg_entry;type:decimal(24,8)"`
	TotalInvestedUSD   decimal.Decimal `gorm:"column:total_invested_usd;type:decimal(24,8)"`
	TotalFilledQty     decimal.Decimal `gorm:"column:total_filled_quantity;type:decimal(24,8)"`
	TotalDCALegs       int             `gorm:"column:total_dca_legs"`
	FilledDCALegs      int             `gorm:"column:filled_dca_legs"`
	PyramidCount       int             `gorm:"column:pyramid_count"`
	MaxPyramids        int             `gorm:"column:max_pyramids"`
	TPMode             TPMode          `gorm:"column:tp_mode"`
	TPAggregatePercent decimal.Decimal `gorm:"column:tp_aggregate_percent;type:decimal(10,4)"`
	MaxSlippagePercent decimal.Decimal `gorm:"column:max_slippage_percent;type:decimal(10,4)"`

	RealizedPnLUSD      decimal.Decimal `gorm:"column:realized_pnl_usd;type:decimal(24,8)"`
	UnrealizedPnLUSD    decimal.Decimal `gorm:"column:unrealized_pnl_usd;type:decimal(24,8)"`
	UnrealizedPnLPct    decimal.Decimal `gorm:"column:unrealized_pnl_percent;type:decimal(10,4)"`
	TotalEntryFeesUSD   decimal.Decimal `gorm:"column:total_entry_fees_usd;type:decimal(24,8)"`
	TotalExitFeesUSD    decimal.Decimal `gorm:"column:total_exit_fees_usd;type:decimal(24,8)"`

	RiskBlocked       bool       `gorm:"column:risk_blocked"`
	RiskSkipOnce      bool       `gorm:"column:risk_skip_once"`
	RiskTimerStart    *time.Time `gorm:"column:risk_timer_start"`
	RiskTimerExpires  *time.Time `gorm:"column:risk_timer_expires"`
	RiskEligible      bool       `gorm:"column:risk_eligible"`
	ClosingStartedAt  *time.Time `gorm:"column:closing_started_at"`

	Status PositionGroupStatus `gorm:"column:status;index"`

	CreatedAt time.Time  `gorm:"column:created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
	ClosedAt  *time.Time `gorm:"column:closed_at"`

	Pyramids []Pyramid `gorm:"foreignKey:GroupID"`
}

func (PositionGroup) TableName() string { return "position_groups" }

// PyramidsComplete reports the §4.10 "pyramids-complete" predicate.
func (g *PositionGroup) PyramidsComplete(requiredPyramids int) bool {
	return g.PyramidCount >= requiredPyramids && g.FilledDCALegs >= g.TotalDCALegs
}

// Pyramid is one entry wave within a PositionGroup; index 0 is the initial entry.
type Pyramid struct {
	ID            string        `gorm:"primaryKey;type:varchar(36)"`
	GroupID       string        `gorm:"column:group_id;index"`
	PyramidIndex  int           `gorm:"column:pyramid_index"`
	EntryPrice    decimal.Decimal `gorm:"column:entry_price;type:decimal(24,8)"`
	EntryTimestamp time.Time    `gorm:"column:entry_timestamp"`
	DCAConfigJSON string        `gorm:"column:dca_config_json;type:text"`
	Status        PyramidStatus `gorm:"column:status"`
	CreatedAt     time.Time
	UpdatedAt     time.Time

	DCAOrders []DCAOrder `gorm:"foreignKey:PyramidID"`
}

func (Pyramid) TableName() string { return "pyramids" }

// DCAOrder is a single leg of a Pyramid. LegIndex == TPFillLegIndex marks a
// synthetic TP-fill accounting record rather than an entry leg.
type DCAOrder struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	GroupID   string `gorm:"column:group_id;index"`
	PyramidID string `gorm:"column:pyramid_id;index"`
	LegIndex  int    `gorm:"column:leg_index"`

	Side          Side            `gorm:"column:side"`
	OrderType     string          `gorm:"column:order_type"` // limit|market
	Price         decimal.Decimal `gorm:"column:price;type:decimal(24,8)"`
	Quantity      decimal.Decimal `gorm:"column:quantity;type:decimal(24,8)"`
	GapPercent    decimal.Decimal `gorm:"column:gap_percent;type:decimal(10,4)"`
	WeightPercent decimal.Decimal `gorm:"column:weight_percent;type:decimal(10,4)"`
	TPPercent     decimal.Decimal `gorm:"column:tp_percent;type:decimal(10,4)"`
	TPPrice       decimal.Decimal `gorm:"column:tp_price;type:decimal(24,8)"`

	ExchangeOrderID string          `gorm:"column:exchange_order_id;index"`
	Status          OrderStatus     `gorm:"column:status;index"`
	FilledQuantity  decimal.Decimal `gorm:"column:filled_quantity;type:decimal(24,8)"`
	AvgFillPrice    decimal.Decimal `gorm:"column:avg_fill_price;type:decimal(24,8)"`
	Fee             decimal.Decimal `gorm:"column:fee;type:decimal(24,8)"`
	FeeCurrency     string          `gorm:"column:fee_currency"`
	SubmittedAt     *time.Time      `gorm:"column:submitted_at"`
	FilledAt        *time.Time      `gorm:"column:filled_at"`

	TPOrderID string `gorm:"column:tp_order_id;index"`
	TPHit     bool   `gorm:"column:tp_hit"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DCAOrder) TableName() string { return "dca_orders" }

// IsEntryLeg reports whether this row is a real entry leg, as opposed to a
// synthetic TP-fill accounting record (§3, §4.9).
func (o *DCAOrder) IsEntryLeg() bool { return o.LegIndex != TPFillLegIndex }

// QueuedSignal is a pending intent awaiting a pool slot (§3, §4.6, §4.8).
type QueuedSignal struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	UserID    string `gorm:"column:user_id;index:idx_qs_dedup"`
	Symbol    string `gorm:"column:symbol;index:idx_qs_dedup"`
	Timeframe int    `gorm:"column:timeframe;index:idx_qs_dedup"`
	Side      Side   `gorm:"column:side;index:idx_qs_dedup"`
	Venue     string `gorm:"column:venue;index:idx_qs_dedup"`

	EntryPrice        decimal.Decimal `gorm:"column:entry_price;type:decimal(24,8)"`
	RawPayloadJSON    string          `gorm:"column:raw_payload_json;type:text"`
	QueuedAt          time.Time       `gorm:"column:queued_at"`
	ReplacementCount  int             `gorm:"column:replacement_count"`
	CurrentLossPct    decimal.Decimal `gorm:"column:current_loss_percent;type:decimal(10,4)"`
	Status            QueuedSignalStatus `gorm:"column:status;index"`
	PriorityScore     decimal.Decimal `gorm:"column:priority_score;type:decimal(24,6)"`
	FailureReason     string          `gorm:"column:failure_reason"`
	IsPyramid         bool            `gorm:"column:is_pyramid"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (QueuedSignal) TableName() string { return "queued_signals" }

// RiskAction is an immutable audit record of any engine- or user-initiated close.
type RiskAction struct {
	ID              string          `gorm:"primaryKey;type:varchar(36)"`
	GroupID         string          `gorm:"column:group_id;index"`
	ActionType      string          `gorm:"column:action_type"` // offset_loss|offset_winner, else the ExitSignal reason text ("manual operator close", "webhook exit signal")
	ExitPrice       decimal.Decimal `gorm:"column:exit_price;type:decimal(24,8)"`
	EntryPrice      decimal.Decimal `gorm:"column:entry_price;type:decimal(24,8)"`
	PnLPercent      decimal.Decimal `gorm:"column:pnl_percent;type:decimal(10,4)"`
	RealizedPnLUSD  decimal.Decimal `gorm:"column:realized_pnl_usd;type:decimal(24,8)"`
	QuantityClosed  decimal.Decimal `gorm:"column:quantity_closed;type:decimal(24,8)"`
	DurationSeconds int64           `gorm:"column:duration_seconds"`
	Notes           string          `gorm:"column:notes"`
	Timestamp       time.Time       `gorm:"column:timestamp"`
}

func (RiskAction) TableName() string { return "risk_actions" }

// PrecisionRule is the exchange-reported rounding contract for one symbol.
type PrecisionRule struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// DCALevel configures one grid leg before the Grid Calculator resolves it to
// a price/quantity (§4.3).
type DCALevel struct {
	GapPercent    decimal.Decimal `json:"gap_percent"`
	WeightPercent decimal.Decimal `json:"weight_percent"`
	TPPercent     decimal.Decimal `json:"tp_percent"`
}

// DCAGridConfig is the per-pyramid ladder configuration snapshot stored on
// each Pyramid (DCAConfigJSON), taken from the user's stored GridConfigJSON.
type DCAGridConfig struct {
	Levels               []DCALevel           `json:"levels"`
	PyramidSpecificLevels map[int][]DCALevel  `json:"pyramid_specific_levels,omitempty"`
	TotalCapitalUSD      decimal.Decimal      `json:"total_capital_usd"`
	TPMode               TPMode               `json:"tp_mode"`
	TPAggregatePercent   decimal.Decimal      `json:"tp_aggregate_percent"`
	MaxPyramids          int                  `json:"max_pyramids"`
	PyramidGapPercent    decimal.Decimal      `json:"pyramid_gap_percent"`
}

// LevelsForPyramid selects config.pyramid_specific_levels[index] when present,
// else the default level list (§4.3 step 1).
func (c *DCAGridConfig) LevelsForPyramid(pyramidIndex int) []DCALevel {
	if c.PyramidSpecificLevels != nil {
		if levels, ok := c.PyramidSpecificLevels[pyramidIndex]; ok {
			return levels
		}
	}
	return c.Levels
}
