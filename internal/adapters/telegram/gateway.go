package telegram

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"

	"telegram-moderator/internal/domain/moderation"
	"telegram-moderator/internal/infra/logger"
)

const (
	// gatewayQueueSize — буфер входящих сообщений между циклом апдейтов и
	// воркером движка. Переполнение роняет сообщение, а не цикл апдейтов.
	gatewayQueueSize = 256
	// adminCacheTTL — срок жизни кэша списка админов группы.
	adminCacheTTL = 10 * time.Minute
	// channelMarker — смещение id супергрупп в bot-API-нотации (-100XXXXXXXXXX).
	channelMarker = int64(1000000000000)
)

// groupInfo — параметры одной модерируемой группы.
type groupInfo struct {
	Title string
	Test  bool // полигон: модерируются даже админы
}

// adminSet — закэшированный список админов группы.
type adminSet struct {
	ids       map[int64]struct{}
	fetchedAt time.Time
}

// Gateway превращает апдейты MTProto в доменные сообщения и подаёт их движку.
// Обработка последовательная, через один воркер: порядок сообщений определяет
// контекстное окно модели.
type Gateway struct {
	api    *tg.Client
	peers  *PeerService
	engine *moderation.Engine

	mu        sync.RWMutex
	monitored map[int64]groupInfo
	admins    map[int64]adminSet
	testIDs   map[int64]struct{}

	queue     chan *moderation.Message
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewGateway создаёт шлюз. testGroupIDs — id полигонных групп из конфигурации
// (допустима bot-API-нотация).
func NewGateway(api *tg.Client, peerSvc *PeerService, engine *moderation.Engine, testGroupIDs []int64) *Gateway {
	testIDs := make(map[int64]struct{}, len(testGroupIDs))
	for _, id := range testGroupIDs {
		testIDs[normalizeChatID(id)] = struct{}{}
	}
	return &Gateway{
		api:       api,
		peers:     peerSvc,
		engine:    engine,
		monitored: make(map[int64]groupInfo),
		admins:    make(map[int64]adminSet),
		testIDs:   testIDs,
		queue:     make(chan *moderation.Message, gatewayQueueSize),
	}
}

// Watch добавляет разрешённую группу в список модерируемых. Вызывается при
// старте после резолва ссылок из конфигурации.
func (g *Gateway) Watch(peer peers.Peer) {
	id := peer.ID()
	title := peer.VisibleName()

	_, isTest := g.testIDs[id]
	if !isTest && strings.Contains(strings.ToLower(title), "test") {
		isTest = true
	}

	g.mu.Lock()
	g.monitored[id] = groupInfo{Title: title, Test: isTest}
	g.mu.Unlock()
	logger.Infof("gateway: watching %q (%d), test=%v", title, id, isTest)
}

// MonitoredIDs возвращает id модерируемых групп (для стартовых обходов).
func (g *Gateway) MonitoredIDs() []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]int64, 0, len(g.monitored))
	for id := range g.monitored {
		ids = append(ids, id)
	}
	return ids
}

// Register подписывает шлюз на апдейты новых сообщений.
func (g *Gateway) Register(dispatcher tg.UpdateDispatcher) {
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		g.enqueue(e, u.Message)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		g.enqueue(e, u.Message)
		return nil
	})
}

// Start запускает воркер обработки. Повторные вызовы игнорируются.
func (g *Gateway) Start(ctx context.Context) {
	g.startOnce.Do(func() {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-g.queue:
					if !ok {
						return
					}
					msg.Admin = g.isAdmin(ctx, msg.ChatID, msg.UserID)
					g.engine.Evaluate(ctx, msg)
				}
			}
		}()
	})
}

// Stop закрывает очередь и дожидается воркера.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.queue)
		g.wg.Wait()
	})
}

// enqueue фильтрует апдейт и ставит доменное сообщение в очередь воркера.
func (g *Gateway) enqueue(e tg.Entities, raw tg.MessageClass) {
	msg, ok := raw.(*tg.Message)
	if !ok || msg.Out {
		return
	}
	if msg.Message == "" {
		// Медиа без подписи и сервисные события не модерируются.
		return
	}

	chatID := peerID(msg.PeerID)
	g.mu.RLock()
	info, watched := g.monitored[chatID]
	g.mu.RUnlock()
	if !watched {
		return
	}

	var userID int64
	if from, ok := msg.FromID.(*tg.PeerUser); ok {
		userID = from.UserID
	}

	m := &moderation.Message{
		ChatID:    chatID,
		ChatTitle: info.Title,
		ChatTest:  info.Test,
		ID:        msg.ID,
		UserID:    userID,
		Text:      msg.Message,
		Date:      time.Unix(int64(msg.Date), 0).UTC(),
	}
	if user, ok := e.Users[userID]; ok {
		m.Sender = strings.TrimSpace(strings.TrimSpace(user.FirstName) + " " + strings.TrimSpace(user.LastName))
		m.Username = user.Username
	}

	select {
	case g.queue <- m:
	default:
		logger.Warnf("gateway: queue full, message %d/%d dropped", chatID, msg.ID)
	}
}

// isAdmin проверяет, админ ли пользователь в группе. Список админов кэшируется
// на adminCacheTTL; для legacy-чатов и при ошибках сети считаем не-админом.
func (g *Gateway) isAdmin(ctx context.Context, chatID, userID int64) bool {
	if userID == 0 {
		return false
	}

	g.mu.RLock()
	cached, ok := g.admins[chatID]
	g.mu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < adminCacheTTL {
		_, admin := cached.ids[userID]
		return admin
	}

	ids, err := g.fetchAdmins(ctx, chatID)
	if err != nil {
		logger.Debugf("gateway: admin list for %d unavailable: %v", chatID, err)
		return false
	}

	g.mu.Lock()
	g.admins[chatID] = adminSet{ids: ids, fetchedAt: time.Now()}
	g.mu.Unlock()

	_, admin := ids[userID]
	return admin
}

// fetchAdmins запрашивает список админов супергруппы.
func (g *Gateway) fetchAdmins(ctx context.Context, chatID int64) (map[int64]struct{}, error) {
	channel, err := g.peers.InputChannel(ctx, chatID)
	if err != nil {
		return nil, err
	}
	raw, err := g.api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
		Channel: channel,
		Filter:  &tg.ChannelParticipantsAdmins{},
		Limit:   100,
	})
	if err != nil {
		return nil, err
	}
	list, ok := raw.(*tg.ChannelsChannelParticipants)
	if !ok {
		return map[int64]struct{}{}, nil
	}

	ids := make(map[int64]struct{}, len(list.Participants))
	for _, p := range list.Participants {
		if id := participantUserID(p); id != 0 {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

// participantUserID достаёт id пользователя из любого варианта участника.
func participantUserID(p tg.ChannelParticipantClass) int64 {
	switch part := p.(type) {
	case *tg.ChannelParticipant:
		return part.UserID
	case *tg.ChannelParticipantSelf:
		return part.UserID
	case *tg.ChannelParticipantCreator:
		return part.UserID
	case *tg.ChannelParticipantAdmin:
		return part.UserID
	case *tg.ChannelParticipantBanned:
		return peerID(part.Peer)
	case *tg.ChannelParticipantLeft:
		return peerID(part.Peer)
	default:
		return 0
	}
}

// peerID возвращает голый числовой id пира из апдейта.
func peerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// normalizeChatID приводит id из конфигурации к голому виду апдейтов.
func normalizeChatID(id int64) int64 {
	switch {
	case id <= -channelMarker:
		return -id - channelMarker
	case id < 0:
		return -id
	default:
		return id
	}
}
