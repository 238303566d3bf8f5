package moderation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"telegram-moderator/internal/infra/timeutil"
)

// reportTopUsers — сколько пользователей с наибольшим числом страйков
// попадает в дневной отчёт.
const reportTopUsers = 5

// Reports копит счётчики вердиктов между отчётами и собирает текст дневной
// сводки для ревью-канала. Счётчики живут в памяти: рестарт начинает новый
// отчётный период.
type Reports struct {
	mu sync.Mutex

	rep *Reputation
	now timeutil.Clock

	counts        map[Action]int
	prefilterHits int
	since         time.Time
}

// NewReports создаёт накопитель отчётов.
func NewReports(rep *Reputation, now timeutil.Clock) *Reports {
	if now == nil {
		now = time.Now
	}
	return &Reports{
		rep:    rep,
		now:    now,
		counts: make(map[Action]int),
		since:  now(),
	}
}

// RecordVerdict учитывает применённый вердикт модели.
func (r *Reports) RecordVerdict(a Action) {
	r.mu.Lock()
	r.counts[a]++
	r.mu.Unlock()
}

// RecordPrefilter учитывает срабатывание жёсткого фильтра.
func (r *Reports) RecordPrefilter() {
	r.mu.Lock()
	r.prefilterHits++
	r.mu.Unlock()
}

// BuildDaily собирает текст дневного отчёта и начинает новый отчётный период.
func (r *Reports) BuildDaily() string {
	r.mu.Lock()
	counts := r.counts
	prefilter := r.prefilterHits
	since := r.since
	r.counts = make(map[Action]int)
	r.prefilterHits = 0
	r.since = r.now()
	r.mu.Unlock()

	var b strings.Builder
	b.WriteString("🛡 Daily moderation report\n")
	fmt.Fprintf(&b, "Period: %s — %s\n\n", timeutil.FormatUTC(since), timeutil.FormatUTC(r.now()))

	total := prefilter
	for _, a := range []Action{ActionOK, ActionWarn, ActionDelete, ActionMute, ActionBan} {
		total += counts[a]
	}
	fmt.Fprintf(&b, "Verdicts: %d total\n", total)
	fmt.Fprintf(&b, "  pre-filter: %d\n", prefilter)
	fmt.Fprintf(&b, "  ok: %d, warn: %d, delete: %d, mute: %d, ban: %d\n",
		counts[ActionOK], counts[ActionWarn], counts[ActionDelete], counts[ActionMute], counts[ActionBan])

	flagged := r.topFlagged()
	if len(flagged) == 0 {
		b.WriteString("\nNo flagged users.")
		return b.String()
	}

	b.WriteString("\nTop flagged users:\n")
	for _, u := range flagged {
		fmt.Fprintf(&b, "  %d — %d strike(s)%s\n", u.UserID, len(u.Strikes), ruleSummary(u.Strikes))
	}
	return strings.TrimRight(b.String(), "\n")
}

// topFlagged возвращает пользователей с наибольшим числом страйков.
func (r *Reports) topFlagged() []UserStats {
	all := r.rep.Snapshot()
	flagged := all[:0:0]
	for _, u := range all {
		if len(u.Strikes) > 0 {
			flagged = append(flagged, u)
		}
	}
	sort.Slice(flagged, func(i, j int) bool {
		if len(flagged[i].Strikes) != len(flagged[j].Strikes) {
			return len(flagged[i].Strikes) > len(flagged[j].Strikes)
		}
		return flagged[i].UserID < flagged[j].UserID
	})
	if len(flagged) > reportTopUsers {
		flagged = flagged[:reportTopUsers]
	}
	return flagged
}

// ruleSummary группирует страйки пользователя по правилам: " (spam: 2, flood: 1)".
func ruleSummary(strikes []Strike) string {
	if len(strikes) == 0 {
		return ""
	}
	byRule := make(map[string]int)
	for _, s := range strikes {
		rule := s.Rule
		if rule == "" {
			rule = "unspecified"
		}
		byRule[rule]++
	}
	rules := make([]string, 0, len(byRule))
	for rule := range byRule {
		rules = append(rules, rule)
	}
	sort.Strings(rules)

	parts := make([]string, 0, len(rules))
	for _, rule := range rules {
		parts = append(parts, fmt.Sprintf("%s: %d", rule, byRule[rule]))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
