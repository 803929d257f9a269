package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrControlHeld は別のクライアントが操作権を持っている場合のエラー
	ErrControlHeld = errors.New("control session is held by another client")
	// ErrNotController は操作権を持たないクライアントが書き込もうとした場合のエラー
	ErrNotController = errors.New("client does not hold the control session")
	// ErrNoPulseWriter はPWM出力が設定されていない場合のエラー
	ErrNoPulseWriter = errors.New("no pulse output configured")
)

// ClaimControl はクライアントに操作権を与える
// 操作権を持つクライアントがいない場合のみ成功する
func (s *Scheduler) ClaimControl(id string) error {
	if id == "" {
		return fmt.Errorf("%w: anonymous client", ErrNotController)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.controlHeld {
		if s.controller == id {
			return nil
		}
		return ErrControlHeld
	}
	s.controller = id
	s.controlHeld = true
	s.log.Info().Str("client", id).Msg("操作権を取得")
	return nil
}

// ReleaseControl は操作権を解放し、全PWM出力をデフォルト値へ戻す
// id が現在の保持者でない場合は何もしない
func (s *Scheduler) ReleaseControl(id string) bool {
	s.mu.Lock()
	if !s.controlHeld || s.controller != id {
		s.mu.Unlock()
		return false
	}
	s.controller = ""
	s.controlHeld = false
	s.mu.Unlock()

	if s.pulses != nil {
		s.pulses.ResetAll()
	}
	s.log.Info().Str("client", id).Msg("操作権を解放")
	return true
}

// Controller は操作権を持つクライアントを返す
func (s *Scheduler) Controller() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller, s.controlHeld
}

// WritePulse は操作権を確認してからPWM出力へ書き込む
// 匿名クライアント ("") は操作権が誰にもない場合のみ書き込める
func (s *Scheduler) WritePulse(id string, pin, value, minBound, maxBound int) error {
	if err := s.authorize(id); err != nil {
		return err
	}
	return s.pulses.Write(pin, value, minBound, maxBound)
}

// ResetPulses は操作権を確認してからPWM出力をリセットする
func (s *Scheduler) ResetPulses(id string, pin int) error {
	if err := s.authorize(id); err != nil {
		return err
	}
	s.pulses.Reset(pin)
	return nil
}

func (s *Scheduler) authorize(id string) error {
	if s.pulses == nil {
		return ErrNoPulseWriter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.controlHeld {
		if id != s.controller {
			s.log.Debug().Str("client", id).Str("holder", s.controller).Msg("操作権のないクライアントからの書き込みを拒否")
			return ErrNotController
		}
		return nil
	}
	if id != "" {
		return ErrNotController
	}
	return nil
}
