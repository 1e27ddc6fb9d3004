// Package notification provides implementations for various notification services
package notification

import (
	"fmt"
	"slices"
	"strings"
	"time"

	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/tickvault/trailstop/core"
)

const pollingTimeout = 10 * time.Second

// Settings holds the Telegram bot credentials and the authorized user IDs
type Settings struct {
	Token string
	Users []int64
}

// Engine is the query surface the Telegram commands read from
type Engine interface {
	Markets() []string
	TrailState(market string) (core.TrailState, bool)
	PendingOrders(market string, direction core.Direction, tier core.Tier) int
}

// Telegram implements the core.NotifierWithStart interface
type Telegram struct {
	settings    Settings
	engine      Engine
	defaultMenu *tb.ReplyMarkup
	client      *tb.Bot
	log         core.Logger
}

// NewTelegram creates and initializes a new Telegram service
func NewTelegram(engine Engine, settings Settings, log core.Logger) (core.NotifierWithStart, error) {
	menu := &tb.ReplyMarkup{ResizeReplyKeyboard: true}
	poller := &tb.LongPoller{Timeout: pollingTimeout}
	userMiddleware := newAuthMiddleware(poller, settings, log)

	client, err := tb.NewBot(tb.Settings{
		ParseMode: tb.ModeMarkdown,
		Token:     settings.Token,
		Poller:    userMiddleware,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	setupKeyboard(menu)
	if err := setupCommands(client); err != nil {
		return nil, fmt.Errorf("failed to set commands: %w", err)
	}

	bot := &Telegram{
		engine:      engine,
		client:      client,
		settings:    settings,
		defaultMenu: menu,
		log:         log,
	}

	client.Handle("/help", bot.HelpHandle)
	client.Handle("/status", bot.StatusHandle)
	client.Handle("/orders", bot.OrdersHandle)

	return bot, nil
}

// newAuthMiddleware creates a middleware to validate authorized users
func newAuthMiddleware(poller *tb.LongPoller, settings Settings, log core.Logger) *tb.MiddlewarePoller {
	return tb.NewMiddlewarePoller(poller, func(u *tb.Update) bool {
		if u.Message == nil || u.Message.Sender == nil {
			log.Error("message or sender is nil ", u)
			return false
		}

		if slices.Contains(settings.Users, int64(u.Message.Sender.ID)) {
			return true
		}

		log.Error("unauthorized user ", u.Message.Sender.ID)
		return false
	})
}

// setupKeyboard configures the reply keyboard layout
func setupKeyboard(menu *tb.ReplyMarkup) {
	var (
		statusBtn = menu.Text("/status")
		ordersBtn = menu.Text("/orders")
		helpBtn   = menu.Text("/help")
	)

	menu.Reply(
		menu.Row(statusBtn, ordersBtn, helpBtn),
	)
}

// setupCommands configures available bot commands
func setupCommands(client *tb.Bot) error {
	return client.SetCommands([]tb.Command{
		{Text: "/help", Description: "Display help instructions"},
		{Text: "/status", Description: "Trail state per market"},
		{Text: "/orders", Description: "Pending order counts"},
	})
}

// Start begins the Telegram bot and notifies all authorized users
func (t *Telegram) Start() {
	go t.client.Start()
	t.sendMessageWithOptions("Trailing engine online.", t.defaultMenu)
}

// Notify sends a message to all authorized users
func (t *Telegram) Notify(text string) {
	for _, user := range t.settings.Users {
		_, err := t.client.Send(&tb.User{ID: int64(user)}, text)
		if err != nil {
			t.log.WithError(err).Error("failed to send notification")
		}
	}
}

// sendMessageWithOptions sends a message to all authorized users with additional options
func (t *Telegram) sendMessageWithOptions(text string, options ...any) {
	for _, user := range t.settings.Users {
		_, err := t.client.Send(&tb.User{ID: int64(user)}, text, options...)
		if err != nil {
			t.log.WithError(err).Error("failed to send notification with options")
		}
	}
}

// sendMessage sends a message to a specific user
func (t *Telegram) sendMessage(to *tb.User, text string, options ...any) {
	_, err := t.client.Send(to, text, options...)
	if err != nil {
		t.log.WithError(err).Error("failed to send message")
	}
}

// HelpHandle displays available commands
func (t *Telegram) HelpHandle(m *tb.Message) {
	commands, err := t.client.GetCommands()
	if err != nil {
		t.log.WithError(err).Error("failed to get commands")
		t.OnError(err)
		return
	}

	lines := make([]string, 0, len(commands))
	for _, command := range commands {
		lines = append(lines, fmt.Sprintf("/%s - %s", command.Text, command.Description))
	}

	t.sendMessage(m.Sender, strings.Join(lines, "\n"))
}

// StatusHandle shows the trail state of every tracked market
func (t *Telegram) StatusHandle(m *tb.Message) {
	markets := t.engine.Markets()
	if len(markets) == 0 {
		t.sendMessage(m.Sender, "No markets tracked.")
		return
	}

	var sb strings.Builder
	for _, market := range markets {
		state, ok := t.engine.TrailState(market)
		if !ok {
			continue
		}
		trend := "peak"
		if state.IsDownward {
			trend = "retreating"
		}
		sb.WriteString(fmt.Sprintf("*%s*: ref tick `%d` (%s)\n", market, state.ReferenceTick, trend))
	}

	t.sendMessage(m.Sender, sb.String())
}

// OrdersHandle shows pending order counts per bucket
func (t *Telegram) OrdersHandle(m *tb.Message) {
	var sb strings.Builder
	total := 0

	for _, market := range t.engine.Markets() {
		for _, direction := range []core.Direction{core.DirectionForward, core.DirectionReverse} {
			for _, tier := range core.Tiers() {
				count := t.engine.PendingOrders(market, direction, tier)
				if count == 0 {
					continue
				}
				total += count
				sb.WriteString(fmt.Sprintf("`%s` %s %s: %d\n", market, direction, tier, count))
			}
		}
	}

	if total == 0 {
		t.sendMessage(m.Sender, "No pending orders.")
		return
	}

	t.sendMessage(m.Sender, sb.String())
}

// OnOrder sends a notification when an order changes state
func (t *Telegram) OnOrder(order core.Order) {
	title := orderStatusTitle(order)
	message := fmt.Sprintf("%s\n-----\nMarket: %s\nDirection: %s\nTier: %s (%d ticks)\nAmount: %d",
		title, order.Market, order.Direction, order.Tier, order.Tier.Threshold(), order.Amount)

	if order.Status == core.OrderStatusTypeFilled {
		message = fmt.Sprintf("%s\nRealized: %d\nExecution tick: %d\nBucket: `%s`",
			message, order.Payout, order.ExecutionTick, order.BucketID)
	}

	t.Notify(message)
}

// orderStatusTitle maps an order status to a notification headline
func orderStatusTitle(order core.Order) string {
	switch order.Status {
	case core.OrderStatusTypeNew:
		return fmt.Sprintf(":bell: *NEW TRAILING ORDER* - `%d`", order.ID)
	case core.OrderStatusTypeFilled:
		return fmt.Sprintf(":white_check_mark: *ORDER EXECUTED* - `%d`", order.ID)
	case core.OrderStatusTypeCanceled:
		return fmt.Sprintf(":x: *ORDER CANCELED* - `%d`", order.ID)
	case core.OrderStatusTypeExpired:
		return fmt.Sprintf(":hourglass: *ORDER EXPIRED* - `%d`", order.ID)
	default:
		return fmt.Sprintf("*ORDER UPDATE* - `%d`", order.ID)
	}
}

// OnError sends a notification when an engine error occurs
func (t *Telegram) OnError(err error) {
	t.Notify(fmt.Sprintf(":warning: *ERROR*\n-----\n%s", err))
}
