package moderation

import (
	"regexp"
	"strings"

	"telegram-moderator/internal/infra/logger"
)

// PreFilter — быстрый шорткат до LLM: блок-лист ключевых слов и регулярных
// выражений. Совпадение означает немедленное удаление без обращения к модели.
// Структура неизменяема после конструктора, поэтому безопасна для чтения из
// любого места.
type PreFilter struct {
	keywords []string         // уже в нижнем регистре
	patterns []*regexp.Regexp // скомпилированы без учёта регистра
}

// NewPreFilter собирает пре-фильтр из списков правил. Некорректные регулярные
// выражения логируются и исключаются: конструктор никогда не падает, чтобы
// одна битая строка в rules.json не останавливала модератора.
func NewPreFilter(keywords, regexPatterns []string) *PreFilter {
	pf := &PreFilter{
		keywords: make([]string, 0, len(keywords)),
		patterns: make([]*regexp.Regexp, 0, len(regexPatterns)),
	}
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			pf.keywords = append(pf.keywords, kw)
		}
	}
	for _, pattern := range regexPatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			logger.Warnf("prefilter: invalid regex pattern %q: %v", pattern, err)
			continue
		}
		pf.patterns = append(pf.patterns, re)
	}
	return pf
}

// Check возвращает тег первого совпавшего правила ("keyword:<s>" или
// "regex:<pattern>") и ok=true. Ключевые слова проверяются раньше регулярных
// выражений: пре-фильтр — шорткат по латентности, а не классификатор, тег
// дальше по пайплайну непрозрачен.
func (pf *PreFilter) Check(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range pf.keywords {
		if strings.Contains(lower, kw) {
			return "keyword:" + kw, true
		}
	}
	for _, re := range pf.patterns {
		if re.MatchString(text) {
			// В теге — исходный паттерн без добавленного (?i).
			return "regex:" + strings.TrimPrefix(re.String(), "(?i)"), true
		}
	}
	return "", false
}
