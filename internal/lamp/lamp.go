// Package lamp はフラッシュ兼照明用LEDの明るさを管理する
//
// ランプはPWMチャンネルを1つ占有する独立したアクチュエーターとして扱う。
// チャンネルが割り当てられていない場合、全ての設定操作は何もしない。
package lamp

import (
	"sync"

	"github.com/chewxy/math32"
	"github.com/rs/zerolog"

	"camnode/internal/logging"
)

const (
	// Unset はランプが無効であることを表す明るさ
	Unset = -1
	// UseFlashLevel を SetBrightness に渡すと設定済みのフラッシュレベルを使う
	UseFlashLevel = 0xFF
	// DefaultFlashLevel はフラッシュレベルの初期値 (%)
	DefaultFlashLevel = 80
)

// Writer はランプが使用するPWM書き込み操作
type Writer interface {
	Write(pin, value, minBound, maxBound int) error
	MaxDuty(pin int) uint32
}

// Controller はランプの状態を保持する
type Controller struct {
	mu         sync.Mutex
	out        Writer
	pin        int
	bound      bool
	level      int
	autoLamp   bool
	flashLevel int
	log        zerolog.Logger
}

// New はランプコントローラーを作成する
// enabled でかつ out がピンのチャンネルを所有している場合のみピンに紐付く
func New(out Writer, pin int, enabled bool) *Controller {
	c := &Controller{
		out:        out,
		pin:        pin,
		level:      Unset,
		flashLevel: DefaultFlashLevel,
		log:        logging.Get("lamp"),
	}
	if enabled && out != nil && out.MaxDuty(pin) > 0 {
		c.bound = true
		c.level = 0
		c.log.Info().Int("pin", pin).Msg("ランプをピンに割り当てました")
	} else if enabled {
		c.log.Warn().Int("pin", pin).Msg("ランプ用のPWMチャンネルがありません")
	}
	return c
}

// SetBrightness はランプの明るさ (0-100%) を設定する
// UseFlashLevel を指定するとフラッシュレベルを使う
func (c *Controller) SetBrightness(level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(level)
}

func (c *Controller) setLocked(level int) {
	if !c.bound {
		return
	}
	if level == UseFlashLevel {
		level = c.flashLevel
	}
	level = clampPercent(level)

	maxDuty := c.out.MaxDuty(c.pin)
	duty := int(math32.Round(float32(level) * float32(maxDuty) / 100))
	if err := c.out.Write(c.pin, duty, 0, 0); err != nil {
		c.log.Warn().Err(err).Int("level", level).Msg("ランプの書き込みに失敗")
		return
	}
	c.level = level
	c.log.Debug().Int("level", level).Int("duty", duty).Msg("ランプの明るさを変更")
}

// Off はランプを消灯する
func (c *Controller) Off() {
	c.SetBrightness(0)
}

// SetAutoLamp は静止画撮影時の自動点灯を切り替える
func (c *Controller) SetAutoLamp(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoLamp = enabled
}

// SetFlashLevel は静止画撮影時の明るさ (0-100%) を設定する
func (c *Controller) SetFlashLevel(level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flashLevel = clampPercent(level)
}

// Level は現在の明るさを返す。無効な場合は Unset
func (c *Controller) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

func (c *Controller) AutoLamp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoLamp
}

func (c *Controller) FlashLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flashLevel
}

// Bound はランプがPWMチャンネルに紐付いているかを返す
func (c *Controller) Bound() bool {
	return c.bound
}

// Pin はランプのピン番号を返す
func (c *Controller) Pin() int {
	return c.pin
}

func clampPercent(level int) int {
	return max(0, min(level, 100))
}
