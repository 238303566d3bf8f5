package moderation

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"telegram-moderator/internal/infra/logger"
)

// Action — решение модели по сообщению. Закрытый набор: добавление нового
// вердикта требует расширить диспетчеризацию в движке.
type Action int

const (
	ActionOK Action = iota
	ActionWarn
	ActionDelete
	ActionMute
	ActionBan
)

// String возвращает каноническое имя действия (как в ответе модели).
func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionDelete:
		return "delete"
	case ActionMute:
		return "mute"
	case ActionBan:
		return "ban"
	default:
		return "ok"
	}
}

// Verdict — разобранное решение модели по одному сообщению.
type Verdict struct {
	Action Action
	Reason string
	Reply  string // текст ответа пользователю; может быть пустым
	Rule   string // тег сработавшего правила; может быть пустым
	Index  int    // позиция в батче; -1 вне батча
}

// verdictJSON — сырой объект из ответа модели.
type verdictJSON struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
	Reply   string `json:"reply"`
	Rule    string `json:"rule"`
	Index   *int   `json:"index"`
}

var (
	firstArrayRe  = regexp.MustCompile(`(?s)\[.*\]`)
	flatObjectRe  = regexp.MustCompile(`\{[^{}]*\}`)
	firstObjectRe = regexp.MustCompile(`(?s)\{.*\}`)
)

// actionFromString отображает тег модели в Action. Незнакомый тег — ok:
// неуверенность никогда не эскалирует до действия.
func actionFromString(s string) Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warn":
		return ActionWarn
	case "delete":
		return ActionDelete
	case "mute":
		return ActionMute
	case "ban":
		return ActionBan
	default:
		return ActionOK
	}
}

func (raw verdictJSON) toVerdict(fallbackIndex int) Verdict {
	v := Verdict{
		Action: actionFromString(raw.Verdict),
		Reason: raw.Reason,
		Reply:  raw.Reply,
		Rule:   raw.Rule,
		Index:  fallbackIndex,
	}
	if raw.Index != nil {
		v.Index = *raw.Index
	}
	return v
}

// stripFences снимает обрамляющие тройные бэктики (с опциональной меткой
// языка), которыми модели любят оборачивать JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// Первая строка после бэктиков — метка языка ("json" и т.п.).
		if lang := strings.TrimSpace(s[:idx]); lang == "" || !strings.ContainsAny(lang, "{[") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ParseVerdict разбирает ответ модели на одно сообщение. Каскад: снять
// бэктики; распарсить строку целиком; вытащить первый объект в фигурных
// скобках, при необходимости починив его. Любой провал — вердикт ok с
// пометкой: нечитаемый ответ не может ни удалить, ни забанить.
func ParseVerdict(raw string) Verdict {
	s := stripFences(raw)

	var obj verdictJSON
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		return obj.toVerdict(-1)
	}
	if m := firstObjectRe.FindString(s); m != "" {
		if err := json.Unmarshal([]byte(m), &obj); err == nil {
			return obj.toVerdict(-1)
		}
		// Последний шанс: объект нашли, но JSON битый (висячая запятая,
		// одинарные кавычки). Чиним и пробуем ещё раз.
		if repaired, err := jsonrepair.JSONRepair(m); err == nil {
			if err = json.Unmarshal([]byte(repaired), &obj); err == nil {
				return obj.toVerdict(-1)
			}
		}
	}
	logger.Warnf("verdict: unparseable LLM response (%d bytes)", len(raw))
	return Verdict{Action: ActionOK, Reason: "unparseable LLM response", Index: -1}
}

// ParseBatchVerdicts разбирает ответ модели на батч из expected сообщений.
// Каскад: бэктики; вся строка как JSON-массив; первый `[...]` (с починкой
// битого JSON); отдельные `{...}` по одному. Полный провал — expected
// вердиктов ok: батч теряет цикл модерации, но никого не трогает.
func ParseBatchVerdicts(raw string, expected int) []Verdict {
	s := stripFences(raw)

	if list, ok := parseVerdictList(s); ok {
		return list
	}
	if m := firstArrayRe.FindString(s); m != "" {
		if list, ok := parseVerdictList(m); ok {
			return list
		}
		if repaired, err := jsonrepair.JSONRepair(m); err == nil {
			if list, ok := parseVerdictList(repaired); ok {
				return list
			}
		}
	}
	if objects := flatObjectRe.FindAllString(s, -1); len(objects) > 0 {
		list := make([]Verdict, 0, len(objects))
		for _, o := range objects {
			var obj verdictJSON
			if err := json.Unmarshal([]byte(o), &obj); err == nil {
				list = append(list, obj.toVerdict(len(list)))
			}
		}
		if len(list) > 0 {
			return list
		}
	}

	logger.Warnf("verdict: unparseable batch response (%d bytes), failing open for %d messages", len(raw), expected)
	list := make([]Verdict, expected)
	for i := range list {
		list[i] = Verdict{Action: ActionOK, Reason: "unparseable batch response", Index: i}
	}
	return list
}

func parseVerdictList(s string) ([]Verdict, bool) {
	var items []verdictJSON
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, false
	}
	list := make([]Verdict, 0, len(items))
	for i, item := range items {
		list = append(list, item.toVerdict(i))
	}
	return list, true
}
