// Package logging はコンポーネント単位の構造化ロガーを提供する
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup はグローバルなログレベルと出力先を設定する
// pretty が true の場合は人間向けのコンソール形式で出力する
func Setup(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}
	base = zerolog.New(out).With().Timestamp().Logger()
}

var base = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Get はコンポーネント名付きのロガーを返す
func Get(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
