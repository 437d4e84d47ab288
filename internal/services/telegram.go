package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"raffle-engine/internal/db"
	"raffle-engine/internal/models"
	"raffle-engine/internal/tickets"
)

// ChatDirectory maps organizations to the Telegram chat that receives their
// notifications.
type ChatDirectory interface {
	SaveOrganizerChat(ctx context.Context, organizationID string, chatID int64) error
	OrganizerChat(ctx context.Context, organizationID string) (int64, error)
}

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends organizer notifications through a Telegram bot.
type TelegramNotifier struct {
	bot       messageSender
	chats     ChatDirectory
	adminChat int64
	logger    *zap.Logger
}

// NewTelegramNotifier authorizes the bot token. adminChat receives messages
// for organizations that have not registered a chat; zero disables that
// fallback.
func NewTelegramNotifier(token string, chats ChatDirectory, adminChat int64, logger *zap.Logger) (*TelegramNotifier, *tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, nil, fmt.Errorf("telegram bot: %w", err)
	}
	logger.Info("Bot autorizado en la cuenta", zap.String("username", bot.Self.UserName))
	return newTelegramNotifier(bot, chats, adminChat, logger), bot, nil
}

func newTelegramNotifier(bot messageSender, chats ChatDirectory, adminChat int64, logger *zap.Logger) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, chats: chats, adminChat: adminChat, logger: logger}
}

func (n *TelegramNotifier) OrderReserved(ctx context.Context, raffle models.Raffle, order models.Order) error {
	return n.send(ctx, raffle.OrganizationID, formatReservation(raffle, order))
}

func (n *TelegramNotifier) OrdersExpired(ctx context.Context, notice models.ExpiryNotice) error {
	return n.send(ctx, notice.OrganizationID, formatExpiry(notice))
}

func (n *TelegramNotifier) send(ctx context.Context, organizationID, text string) error {
	chatID, err := n.chatFor(ctx, organizationID)
	if err != nil {
		return err
	}
	if _, err := n.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send to %d: %w", chatID, err)
	}
	return nil
}

func (n *TelegramNotifier) chatFor(ctx context.Context, organizationID string) (int64, error) {
	chatID, err := n.chats.OrganizerChat(ctx, organizationID)
	if err == nil {
		return chatID, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return 0, err
	}
	if n.adminChat == 0 {
		return 0, fmt.Errorf("no hay chat de Telegram registrado para la organización %s", organizationID)
	}
	return n.adminChat, nil
}

// Listen registers organizer chats from "/start <organization_id>" commands
// until ctx is done.
func (n *TelegramNotifier) Listen(ctx context.Context, bot *tgbotapi.BotAPI) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)
	defer bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			n.handleUpdate(ctx, update)
		}
	}
}

func (n *TelegramNotifier) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || !update.Message.IsCommand() || update.Message.Command() != "start" {
		return
	}
	chatID := update.Message.Chat.ID
	orgID := strings.TrimSpace(update.Message.CommandArguments())
	if orgID == "" {
		n.reply(chatID, "Uso: /start <organization_id>")
		return
	}
	if err := n.chats.SaveOrganizerChat(ctx, orgID, chatID); err != nil {
		n.logger.Error("Error registrando chat del organizador", zap.String("organization_id", orgID), zap.Error(err))
		n.reply(chatID, "No se pudo registrar este chat, intenta de nuevo más tarde.")
		return
	}
	n.logger.Info("Chat del organizador registrado", zap.String("organization_id", orgID), zap.Int64("chat_id", chatID))
	n.reply(chatID, fmt.Sprintf("¡Listo! Este chat ahora recibirá las notificaciones de la organización %s.", orgID))
}

func (n *TelegramNotifier) reply(chatID int64, text string) {
	if _, err := n.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		n.logger.Warn("Error enviando respuesta de Telegram", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func formatReservation(raffle models.Raffle, order models.Order) string {
	width := tickets.PadWidth(raffle.TotalTickets, raffle.NumberingStart)
	indices := tickets.Indices(order.TicketRanges, order.LuckyIndices)
	numbers := make([]string, 0, len(indices))
	for i, idx := range indices {
		if i == 20 {
			numbers = append(numbers, fmt.Sprintf("... (+%d)", len(indices)-i))
			break
		}
		numbers = append(numbers, tickets.FormatDisplay(idx, raffle.NumberingStart, width))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🎟️ Nueva reserva %s\n", order.ReferenceCode)
	fmt.Fprintf(&b, "Rifa: %s\n", raffle.Name)
	fmt.Fprintf(&b, "Comprador: %s", order.Buyer.Name)
	if order.Buyer.Phone != "" {
		fmt.Fprintf(&b, " (%s)", order.Buyer.Phone)
	}
	fmt.Fprintf(&b, "\nTickets (%d): %s\n", order.TicketCount, strings.Join(numbers, ", "))
	if order.ReservedUntil != nil {
		fmt.Fprintf(&b, "Apartado hasta %s", order.ReservedUntil.UTC().Format("2006-01-02 15:04 MST"))
	}
	return b.String()
}

func formatExpiry(notice models.ExpiryNotice) string {
	total := 0
	for _, o := range notice.Orders {
		total += o.TicketCount
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⏳ %d reservas vencidas, %d tickets liberados\n", len(notice.Orders), total)
	for i, o := range notice.Orders {
		if i == 10 {
			fmt.Fprintf(&b, "... y %d más\n", len(notice.Orders)-i)
			break
		}
		fmt.Fprintf(&b, "• %s %s (%d)\n", o.ReferenceCode, o.BuyerName, o.TicketCount)
	}
	return strings.TrimRight(b.String(), "\n")
}
