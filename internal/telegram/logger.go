package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type slogBridge struct {
	logger *slog.Logger
}

func (b slogBridge) Println(v ...interface{}) {
	b.logger.Log(context.Background(), slog.LevelDebug, strings.TrimSuffix(fmt.Sprintln(v...), "\n"), "component", "tgbotapi")
}

func (b slogBridge) Printf(format string, v ...interface{}) {
	b.logger.Log(context.Background(), slog.LevelDebug, strings.TrimSuffix(fmt.Sprintf(format, v...), "\n"), "component", "tgbotapi")
}

// UseLogger routes the library's internal log output to logger at debug level.
func UseLogger(logger *slog.Logger) {
	tgbotapi.SetLogger(slogBridge{logger: logger})
}
