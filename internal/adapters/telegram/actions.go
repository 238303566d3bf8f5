package telegram

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-moderator/internal/domain/moderation"
	"telegram-moderator/internal/infra/logger"
)

// defaultWarnReply используется, когда модель вернула warn без текста ответа.
const defaultWarnReply = "Предупреждение: сообщение нарушает правила чата."

// Actor исполняет вердикты модератора через MTProto RPC и ведёт ревью-канал.
// Реализует moderation.Actions и moderation.ReviewPoster. Все методы
// толерантны к отсутствию ревью-канала (review == nil).
type Actor struct {
	api    *tg.Client
	peers  *PeerService
	review peers.Peer
}

var (
	_ moderation.Actions      = (*Actor)(nil)
	_ moderation.ReviewPoster = (*Actor)(nil)
)

// NewActor создаёт исполнителя. review может быть nil: тогда форварды и
// статусное сообщение отключены.
func NewActor(api *tg.Client, peerSvc *PeerService, review peers.Peer) *Actor {
	return &Actor{api: api, peers: peerSvc, review: review}
}

// SetReview задаёт ревью-канал. Вызывается при старте после резолва ссылки из
// конфигурации, до запуска обработки апдейтов.
func (a *Actor) SetReview(peer peers.Peer) { a.review = peer }

// HasReview сообщает, настроен ли ревью-канал.
func (a *Actor) HasReview() bool { return a.review != nil }

// Warn отправляет предупреждение ответом на сообщение нарушителя.
func (a *Actor) Warn(ctx context.Context, msg *moderation.Message, reply string) error {
	if strings.TrimSpace(reply) == "" {
		reply = defaultWarnReply
	}
	peer, err := a.peers.InputPeerForChat(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	_, err = a.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  reply,
		RandomID: nextRandomID(),
		ReplyTo:  &tg.InputReplyToMessage{ReplyToMsgID: msg.ID},
	})
	return classifyRPC(err, "warn")
}

// Delete удаляет сообщение нарушителя. Непустой reply отправляется в чат
// обычным сообщением: оригинала, на который можно ответить, уже нет.
func (a *Actor) Delete(ctx context.Context, msg *moderation.Message, reply string) error {
	if err := a.deleteMessage(ctx, msg); err != nil {
		return err
	}
	return a.sendNotice(ctx, msg.ChatID, reply)
}

// Mute ограничивает пользователю отправку сообщений на duration и удаляет
// сообщение-триггер. В legacy-чатах ограничение прав недоступно: остаётся
// только удаление.
func (a *Actor) Mute(ctx context.Context, msg *moderation.Message, duration time.Duration, reply string) error {
	channel, err := a.peers.InputChannel(ctx, msg.ChatID)
	if err != nil {
		logger.Warnf("actor: chat %d is not a supergroup, mute degraded to delete", msg.ChatID)
		return a.Delete(ctx, msg, reply)
	}

	participant, err := a.peers.InputUser(ctx, msg.UserID)
	if err != nil {
		return err
	}
	_, err = a.api.ChannelsEditBanned(ctx, &tg.ChannelsEditBannedRequest{
		Channel:     channel,
		Participant: participant,
		BannedRights: tg.ChatBannedRights{
			SendMessages: true,
			UntilDate:    int(time.Now().Add(duration).Unix()),
		},
	})
	if err != nil {
		return classifyRPC(err, "mute")
	}

	if err = a.deleteMessage(ctx, msg); err != nil {
		logger.Warnf("actor: delete after mute failed for %d/%d: %v", msg.ChatID, msg.ID, err)
	}
	return a.sendNotice(ctx, msg.ChatID, reply)
}

// Ban навсегда блокирует пользователя в группе и удаляет сообщение-триггер.
// Для legacy-чатов используется исключение участника.
func (a *Actor) Ban(ctx context.Context, msg *moderation.Message, reply string) error {
	channel, chErr := a.peers.InputChannel(ctx, msg.ChatID)
	if chErr == nil {
		participant, err := a.peers.InputUser(ctx, msg.UserID)
		if err != nil {
			return err
		}
		_, err = a.api.ChannelsEditBanned(ctx, &tg.ChannelsEditBannedRequest{
			Channel:     channel,
			Participant: participant,
			BannedRights: tg.ChatBannedRights{
				ViewMessages: true,
			},
		})
		if err != nil {
			return classifyRPC(err, "ban")
		}
	} else {
		user, err := a.peers.Mgr.ResolveUserID(ctx, msg.UserID)
		if err != nil {
			return fmt.Errorf("resolve user %d: %w", msg.UserID, err)
		}
		_, err = a.api.MessagesDeleteChatUser(ctx, &tg.MessagesDeleteChatUserRequest{
			ChatID: msg.ChatID,
			UserID: user.InputUser(),
		})
		if err != nil {
			return classifyRPC(err, "ban")
		}
	}

	if err := a.deleteMessage(ctx, msg); err != nil {
		logger.Warnf("actor: delete after ban failed for %d/%d: %v", msg.ChatID, msg.ID, err)
	}
	return a.sendNotice(ctx, msg.ChatID, reply)
}

// ForwardToReview шлёт в ревью-канал сводку вердикта и best-effort форвард
// оригинала. Форвард уже удалённого сообщения невозможен, поэтому сводка
// содержит фрагмент текста и самодостаточна.
func (a *Actor) ForwardToReview(ctx context.Context, msg *moderation.Message, verdict, reason string) error {
	if a.review == nil {
		return nil
	}
	toPeer := a.review.InputPeer()

	summary := reviewSummary(msg, verdict, reason)
	if _, err := a.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:      toPeer,
		Message:   summary,
		RandomID:  nextRandomID(),
		NoWebpage: true,
	}); err != nil {
		return classifyRPC(err, "review summary")
	}

	fromPeer, err := a.peers.InputPeerForChat(ctx, msg.ChatID)
	if err != nil {
		logger.Debugf("actor: review forward skipped, source peer unresolved: %v", err)
		return nil
	}
	if _, err = a.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: fromPeer,
		ID:       []int{msg.ID},
		ToPeer:   toPeer,
		RandomID: []int64{nextRandomID()},
	}); err != nil {
		// Ожидаемо для уже удалённых сообщений.
		logger.Debugf("actor: review forward of %d/%d failed: %v", msg.ChatID, msg.ID, err)
	}
	return nil
}

// FindStatusMessage сканирует последние limit сообщений ревью-канала и ищет
// наше сообщение с маркером. Используется один раз после рестарта.
func (a *Actor) FindStatusMessage(ctx context.Context, marker string, limit int) (int, bool, error) {
	if a.review == nil {
		return 0, false, nil
	}
	history, err := a.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  a.review.InputPeer(),
		Limit: limit,
	})
	if err != nil {
		return 0, false, errors.Wrap(err, "get history")
	}

	for _, raw := range historyMessages(history) {
		m, ok := raw.(*tg.Message)
		if !ok || !m.Out {
			continue
		}
		if strings.Contains(m.Message, marker) {
			return m.ID, true, nil
		}
	}
	return 0, false, nil
}

// SendStatus отправляет новое статусное сообщение и возвращает его id.
func (a *Actor) SendStatus(ctx context.Context, text string) (int, error) {
	if a.review == nil {
		return 0, errors.New("review channel is not configured")
	}
	updates, err := a.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:      a.review.InputPeer(),
		Message:   text,
		RandomID:  nextRandomID(),
		NoWebpage: true,
	})
	if err != nil {
		return 0, classifyRPC(err, "status send")
	}
	id := sentMessageID(updates)
	if id == 0 {
		return 0, errors.New("sent message id not found in updates")
	}
	return id, nil
}

// EditStatus правит статусное сообщение по месту. Ответ платформы «не
// изменилось» транслируется в moderation.ErrNotModified.
func (a *Actor) EditStatus(ctx context.Context, msgID int, text string) error {
	if a.review == nil {
		return errors.New("review channel is not configured")
	}
	_, err := a.api.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:      a.review.InputPeer(),
		ID:        msgID,
		Message:   text,
		NoWebpage: true,
	})
	if err == nil {
		return nil
	}
	if rpcErr, ok := tgerr.As(err); ok && rpcErr.Type == "MESSAGE_NOT_MODIFIED" {
		return moderation.ErrNotModified
	}
	return classifyRPC(err, "status edit")
}

// deleteMessage удаляет сообщение с учётом типа чата: супергруппы используют
// channels.deleteMessages, legacy-чаты — messages.deleteMessages с revoke.
func (a *Actor) deleteMessage(ctx context.Context, msg *moderation.Message) error {
	channel, err := a.peers.InputChannel(ctx, msg.ChatID)
	if err == nil {
		_, err = a.api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: channel,
			ID:      []int{msg.ID},
		})
		return classifyRPC(err, "delete")
	}
	_, err = a.api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
		Revoke: true,
		ID:     []int{msg.ID},
	})
	return classifyRPC(err, "delete")
}

// sendNotice отправляет пояснение в чат, если модель его дала.
func (a *Actor) sendNotice(ctx context.Context, chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	peer, err := a.peers.InputPeerForChat(ctx, chatID)
	if err != nil {
		return err
	}
	_, err = a.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: nextRandomID(),
	})
	return classifyRPC(err, "notice")
}

// reviewSummary собирает самодостаточную сводку для ревью-канала.
func reviewSummary(msg *moderation.Message, verdict, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚖️ %s\n", verdict)
	fmt.Fprintf(&b, "Chat: %s (%d)\n", msg.ChatTitle, msg.ChatID)
	name := msg.Sender
	if name == "" && msg.Username != "" {
		name = "@" + msg.Username
	}
	fmt.Fprintf(&b, "User: %s (%d)\n", name, msg.UserID)
	if reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", reason)
	}
	excerpt := []rune(msg.Text)
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}
	fmt.Fprintf(&b, "Text: %s", string(excerpt))
	return b.String()
}

// classifyRPC оборачивает ошибку RPC с пометкой операции. Ошибки 4xx и
// PEER_FLOOD постоянны: ретраить их бессмысленно, поэтому помечаем явно.
func classifyRPC(err error, op string) error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := tgerr.As(err); ok {
		if rpcErr.Type == "PEER_FLOOD" || (rpcErr.Code >= 400 && rpcErr.Code < 500) {
			return fmt.Errorf("%s: permanent rpc error: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// historyMessages извлекает список сообщений из любого варианта ответа
// messages.getHistory.
func historyMessages(history tg.MessagesMessagesClass) []tg.MessageClass {
	switch h := history.(type) {
	case *tg.MessagesMessages:
		return h.Messages
	case *tg.MessagesMessagesSlice:
		return h.Messages
	case *tg.MessagesChannelMessages:
		return h.Messages
	default:
		return nil
	}
}

// sentMessageID достаёт id отправленного сообщения из ответа платформы.
func sentMessageID(updates tg.UpdatesClass) int {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID
	case *tg.Updates:
		for _, upd := range u.Updates {
			switch inner := upd.(type) {
			case *tg.UpdateMessageID:
				return inner.ID
			case *tg.UpdateNewChannelMessage:
				if m, ok := inner.Message.(*tg.Message); ok {
					return m.ID
				}
			case *tg.UpdateNewMessage:
				if m, ok := inner.Message.(*tg.Message); ok {
					return m.ID
				}
			}
		}
	}
	return 0
}

// nextRandomID возвращает криптослучайный random_id для send/forward запросов.
func nextRandomID() int64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(buf[:]))
}
