package telegram

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"
)

// TerminalAuthenticator запрашивает код подтверждения и пароль 2FA в терминале.
// Номер телефона берётся из конфигурации, поэтому интерактивен только первый
// запуск: дальше сессия восстанавливается из файла.
type TerminalAuthenticator struct {
	PhoneNumber string
	reader      *bufio.Reader
}

var _ auth.UserAuthenticator = (*TerminalAuthenticator)(nil)

// NewTerminalAuthenticator создаёт аутентификатор для указанного номера.
func NewTerminalAuthenticator(phone string) *TerminalAuthenticator {
	return &TerminalAuthenticator{
		PhoneNumber: phone,
		reader:      bufio.NewReader(os.Stdin),
	}
}

// Phone возвращает номер телефона из конфигурации.
func (a *TerminalAuthenticator) Phone(_ context.Context) (string, error) {
	return a.PhoneNumber, nil
}

// Code читает код подтверждения из stdin.
func (a *TerminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	fmt.Print("Введите код подтверждения Telegram: ")
	line, err := a.reader.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "read code")
	}
	code := strings.TrimSpace(line)
	if code == "" {
		return "", errors.New("empty confirmation code")
	}
	return code, nil
}

// Password читает пароль 2FA без эха в терминале.
func (a *TerminalAuthenticator) Password(_ context.Context) (string, error) {
	fmt.Print("Введите пароль двухфакторной аутентификации: ")
	pass, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", errors.Wrap(err, "read 2fa password")
	}
	return strings.TrimSpace(string(pass)), nil
}

// AcceptTermsOfService молча принимает условия сервиса.
func (a *TerminalAuthenticator) AcceptTermsOfService(_ context.Context, _ tg.HelpTermsOfService) error {
	return nil
}

// SignUp не поддерживается: модератор работает только под существующим аккаунтом.
func (a *TerminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("sign up is not supported, use an existing account")
}
