// Файл rules.go — загрузка правил жёсткого пре-фильтра из JSON-файла.
// Формат повторяет подход «правила отдельно от окружения»: ключевые слова и
// регулярные выражения, совпадение с которыми удаляет сообщение без обращения
// к LLM. Сами паттерны компилируются уже в пре-фильтре; здесь только чтение.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Rules — содержимое rules.json.
type Rules struct {
	HardBanKeywords []string `json:"hard_ban_keywords"`
	HardBanRegex    []string `json:"hard_ban_regex"`
}

// LoadRules читает rules.json. Отсутствие файла допустимо и означает пустой
// пре-фильтр; синтаксически битый файл — ошибка конфигурации (fail at startup).
func LoadRules(path string) (Rules, error) {
	var rules Rules
	data, err := os.ReadFile(filepath.Clean(path))
	if os.IsNotExist(err) {
		return rules, nil
	}
	if err != nil {
		return rules, fmt.Errorf("read rules file %s: %w", path, err)
	}
	if err = json.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("decode rules file %s: %w", path, err)
	}
	return rules, nil
}
