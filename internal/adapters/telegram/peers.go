package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

const (
	peersBucketName             = "peers"
	dbOpenTimeout               = time.Second
	dbFileMode      os.FileMode = 0o600
)

var peersBucketBytes = []byte(peersBucketName)

// PeerService — обёртка над gotd peers.Manager с персистентным кэшем на bbolt.
// Кэш переживает рестарты, поэтому access_hash модерируемых групп и их
// участников не приходится добывать заново при каждом запуске.
type PeerService struct {
	db    *bbolt.DB
	store contribstorage.PeerStorage
	Mgr   *peers.Manager
}

// NewPeerService открывает bbolt-файл кэша и строит менеджер пиров.
// Сетевых запросов не выполняет.
func NewPeerService(api *tg.Client, dbPath string) (*PeerService, error) {
	if api == nil {
		return nil, errors.New("peers: api client is nil")
	}
	path := strings.TrimSpace(dbPath)
	if path == "" {
		return nil, errors.New("peers: db path is empty")
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("peers: ensure dir %q: %w", dir, err)
		}
	}

	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("peers: open db: %w", err)
	}

	return &PeerService{
		db:    db,
		store: bboltdb.NewPeerStorage(db, peersBucketBytes),
		Mgr:   (peers.Options{}).Build(api),
	}, nil
}

// Close закрывает файл базы данных.
func (s *PeerService) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Store возвращает персистентное хранилище пиров (для UpdateHook).
func (s *PeerService) Store() contribstorage.PeerStorage {
	return s.store
}

// LoadFromStorage прогружает сохранённые peers из bbolt в оперативный
// peers.Manager. Битый кэш не фатален: bucket сбрасывается, access_hash
// добудутся заново из апдейтов.
func (s *PeerService) LoadFromStorage(ctx context.Context) error {
	iter, exists, err := s.iterateStoredPeers(ctx)
	if err != nil {
		if isJSONUnmarshalError(err) {
			_ = s.resetPeersBucket()
			return nil
		}
		return fmt.Errorf("peers: iterate stored peers: %w", err)
	}
	if !exists {
		return nil
	}
	defer func() {
		_ = iter.Close()
	}()

	users := make([]tg.UserClass, 0)
	chats := make([]tg.ChatClass, 0)

	for iter.Next(ctx) {
		value := iter.Value()
		switch value.Key.Kind {
		case dialogs.User:
			user := value.User
			if user == nil {
				user = &tg.User{
					ID:         value.Key.ID,
					AccessHash: value.Key.AccessHash,
				}
			}
			users = append(users, user)
		case dialogs.Chat:
			chat := value.Chat
			if chat == nil {
				chat = &tg.Chat{ID: value.Key.ID}
			}
			chats = append(chats, chat)
		case dialogs.Channel:
			channel := value.Channel
			if channel == nil {
				channel = &tg.Channel{
					ID:         value.Key.ID,
					AccessHash: value.Key.AccessHash,
				}
			}
			chats = append(chats, channel)
		}
	}

	if err = iter.Err(); err != nil {
		return fmt.Errorf("peers: iterate stored peers: %w", err)
	}
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return s.Mgr.Apply(ctx, users, chats)
}

// ResolveGroupRef превращает строку из конфигурации (username, числовой id или
// id в формате -100XXXXXXXXXX) в peers.Peer. Используется при старте для
// модерируемых групп и канала ревью.
func (s *PeerService) ResolveGroupRef(ctx context.Context, ref string) (peers.Peer, error) {
	token := strings.TrimSpace(ref)
	if token == "" {
		return nil, errors.New("peers: empty group reference")
	}

	if id, err := strconv.ParseInt(token, 10, 64); err == nil {
		return s.resolveGroupID(ctx, id)
	}

	domain := strings.TrimPrefix(token, "@")
	peer, err := s.Mgr.ResolveDomain(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("resolve @%s: %w", domain, err)
	}
	return peer, nil
}

// resolveGroupID разбирает числовую ссылку на группу. Отрицательные значения
// в bot-API-стиле нормализуются: -100XXXXXXXXXX это супергруппа/канал,
// прочие отрицательные — legacy-чат.
func (s *PeerService) resolveGroupID(ctx context.Context, id int64) (peers.Peer, error) {
	const channelMarker = int64(1000000000000)

	switch {
	case id <= -channelMarker:
		return s.Mgr.ResolveChannelID(ctx, -id-channelMarker)
	case id < 0:
		return s.Mgr.ResolveChatID(ctx, -id)
	default:
		// Голый положительный id: сначала пробуем канал, потом legacy-чат.
		if channel, err := s.Mgr.ResolveChannelID(ctx, id); err == nil {
			return channel, nil
		}
		chat, err := s.Mgr.ResolveChatID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve group %d: %w", id, err)
		}
		return chat, nil
	}
}

// InputPeerForChat возвращает tg.InputPeerClass для голого id группы
// (в том виде, в каком id приходит из апдейтов).
func (s *PeerService) InputPeerForChat(ctx context.Context, chatID int64) (tg.InputPeerClass, error) {
	if channel, err := s.Mgr.ResolveChannelID(ctx, chatID); err == nil {
		return channel.InputPeer(), nil
	}
	chat, err := s.Mgr.ResolveChatID(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("resolve chat %d: %w", chatID, err)
	}
	return chat.InputPeer(), nil
}

// InputChannel возвращает tg.InputChannelClass для супергруппы/канала.
func (s *PeerService) InputChannel(ctx context.Context, chatID int64) (tg.InputChannelClass, error) {
	channel, err := s.Mgr.ResolveChannelID(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %d: %w", chatID, err)
	}
	return channel.InputChannel(), nil
}

// InputUser возвращает tg.InputPeerClass пользователя (для edit banned).
func (s *PeerService) InputUser(ctx context.Context, userID int64) (tg.InputPeerClass, error) {
	user, err := s.Mgr.ResolveUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve user %d: %w", userID, err)
	}
	return user.InputPeer(), nil
}

func (s *PeerService) iterateStoredPeers(ctx context.Context) (contribstorage.PeerIterator, bool, error) {
	exists := false
	if err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(peersBucketBytes) != nil
		return nil
	}); err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	iter, err := s.store.Iterate(ctx)
	if err != nil {
		return nil, false, err
	}
	return iter, true, nil
}

func isJSONUnmarshalError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return true
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	return strings.Contains(err.Error(), "json:")
}

func (s *PeerService) resetPeersBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(peersBucketBytes); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(peersBucketBytes)
		return err
	})
}
