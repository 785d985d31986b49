// Package notify sends operator-facing Telegram alerts for the events the
// engine can't simply log and forget: a risk-engine partial-close offset, a
// watchdog-triggered task restart, a circuit-breaker trip, and process
// startup. It follows
// the teacher's own `internal/bot` texture — tgbotapi.NewMessage with
// Markdown parse mode, emoji-prefixed templated text, DisableWebPagePreview
// — generalized from a prediction-alert bot into a plain outbound sink (no
// command listener: control is exercised through internal/httpapi, not chat
// commands, per the engine's non-goals around a bot UI surface).
package notify

import (
	"fmt"

	"github.com/dca-engine/controlplane/internal/model"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Notifier sends Markdown alerts to one configured Telegram chat. A nil
// *Notifier is valid and every method becomes a no-op, so callers can wire
// it unconditionally even when no bot token is configured.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// New connects to the Telegram Bot API. If token is empty, notify is
// disabled and New returns (nil, nil) rather than an error — an unconfigured
// notification sink is a deployment choice, not a startup failure.
func New(token string, chatID int64) (*Notifier, error) {
	if token == "" {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: connect telegram: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("notify: telegram bot connected")
	return &Notifier{api: api, chatID: chatID}, nil
}

func (n *Notifier) send(text string) {
	if n == nil || n.api == nil || n.chatID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("notify: send failed")
	}
}

// Startup announces the control plane coming online on this replica.
func (n *Notifier) Startup(workerID string) {
	n.send(fmt.Sprintf("🟢 *Control plane online*\n\n_worker: %s_", workerID))
}

// RiskOffset reports a completed §4.10 partial-close offset: one loser
// fully closed, funded by partial profit-takes on its paired winners.
func (n *Notifier) RiskOffset(loser *model.PositionGroup, winners []model.PositionGroup, realizedFromWinners decimal.Decimal) {
	text := fmt.Sprintf(`⚖️ *Risk offset executed*

*Closed (loser):* %s %s
*Realized loss:* $%s
*Funded by %d winner(s):* $%s realized

_group: %s_`,
		loser.Symbol, loser.Side,
		loser.RealizedPnLUSD.Abs().StringFixed(2),
		len(winners),
		realizedFromWinners.StringFixed(2),
		loser.ID,
	)
	n.send(text)
}

// WatchdogRestart reports the watchdog bringing a stalled task back up.
func (n *Notifier) WatchdogRestart(taskName string) {
	n.send(fmt.Sprintf("🛠️ *Task restarted*\n\n_task: %s_", taskName))
}

// CircuitBreakerTrip reports a venue connector's breaker opening.
func (n *Notifier) CircuitBreakerTrip(venue string) {
	n.send(fmt.Sprintf("🔴 *Circuit breaker open*\n\n_venue: %s_", venue))
}
