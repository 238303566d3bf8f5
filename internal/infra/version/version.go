// Package version хранит версию сборки. Значение перекрывается при сборке:
//
//	go build -ldflags "-X telegram-moderator/internal/infra/version.Version=v1.2.3"
package version

// Version — версия приложения, по умолчанию dev.
var Version = "dev"
