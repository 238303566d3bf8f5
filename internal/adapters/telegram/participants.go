package telegram

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"

	"telegram-moderator/internal/infra/logger"
)

// participantsPageSize — размер страницы channels.getParticipants.
const participantsPageSize = 200

// EnumerateMembers постранично обходит участников супергруппы и возвращает их
// id. Используется при старте: текущие участники массово регистрируются как
// ветераны, чтобы окно новичка не срабатывало на старожилах после рестарта.
// Legacy-чаты пропускаются без ошибки.
func (g *Gateway) EnumerateMembers(ctx context.Context, chatID int64) ([]int64, error) {
	channel, err := g.peers.InputChannel(ctx, chatID)
	if err != nil {
		logger.Debugf("gateway: member enumeration skipped for %d: %v", chatID, err)
		return nil, nil
	}

	var members []int64
	offset := 0
	for {
		raw, err := g.api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
			Channel: channel,
			Filter:  &tg.ChannelParticipantsRecent{},
			Offset:  offset,
			Limit:   participantsPageSize,
		})
		if err != nil {
			return members, fmt.Errorf("get participants of %d at offset %d: %w", chatID, offset, err)
		}
		page, ok := raw.(*tg.ChannelsChannelParticipants)
		if !ok || len(page.Participants) == 0 {
			return members, nil
		}

		for _, p := range page.Participants {
			if id := participantUserID(p); id != 0 {
				members = append(members, id)
			}
		}

		offset += len(page.Participants)
		if offset >= page.Count {
			return members, nil
		}
	}
}
