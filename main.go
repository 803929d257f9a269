package main

import (
	"context"
	"os"

	"camnode/internal/app"
	"camnode/internal/logging"
)

func main() {
	log := logging.Get("main")

	// 設定ファイルは CAMNODE_CONFIG で指定する
	opts := app.Options{
		ConfigPath: os.Getenv("CAMNODE_CONFIG"),
		Watch:      true,
	}

	if err := app.Run(context.Background(), opts); err != nil {
		log.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}
}
