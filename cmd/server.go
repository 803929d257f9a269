// Package main はcamnodeサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"camnode/internal/app"
	"camnode/internal/logging"
	"camnode/internal/pulse"
)

func main() {
	log := logging.Get("main")

	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイルのパス (YAML)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		mock       = flag.Bool("mock", false, "モックカメラを使用")
		watch      = flag.Bool("watch", true, "設定ファイルの変更を監視")
		ports      = flag.Bool("list-ports", false, "利用可能なシリアルポートを表示")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("camnode")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if *ports {
		names, err := pulse.Ports()
		if err != nil {
			log.Fatal().Err(err).Msg("シリアルポートの列挙に失敗しました")
		}
		for _, name := range names {
			fmt.Println(name)
		}
		os.Exit(0)
	}

	opts := app.Options{
		ConfigPath: *configPath,
		Host:       *host,
		Port:       *port,
		Mock:       *mock,
		Watch:      *watch,
	}

	if err := app.Run(context.Background(), opts); err != nil {
		log.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}
}
