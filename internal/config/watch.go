package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"camnode/internal/logging"
)

// Watch は設定ファイルの変更を監視し、読み込み直した設定を fn に渡す
// エディタによるファイルの置き換えにも追従するため、親ディレクトリを監視する
// ctx がキャンセルされるまでブロックする
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	log := logging.Get("config")

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("設定ファイルのパス解決に失敗: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ファイル監視の作成に失敗: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("ディレクトリ %s の監視に失敗: %w", filepath.Dir(abs), err)
	}

	last, _ := os.ReadFile(abs)
	log.Info().Str("path", abs).Msg("設定ファイルの監視を開始")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			data, err := os.ReadFile(abs)
			if err != nil {
				log.Warn().Err(err).Msg("設定ファイルの読み込みに失敗")
				continue
			}
			// 同じ内容で複数回通知されることがある
			if bytes.Equal(data, last) {
				continue
			}
			last = data

			cfg, err := Load(abs)
			if err != nil {
				log.Warn().Err(err).Msg("変更された設定を適用できません")
				continue
			}
			log.Info().Str("path", abs).Msg("設定ファイルを再読み込み")
			fn(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("ファイル監視エラー")
		}
	}
}
