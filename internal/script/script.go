// Package script runs the optional Lua hooks that transform bytes crossing the PTY bridge.
package script

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

const (
	HookRxToTTY = "rx_to_tty"
	HookTTYToTx = "tty_to_tx"
)

var ErrClosed = errors.New("script engine is closed")

// HookError reports a failure inside a Lua hook.
type HookError struct {
	Hook    string
	Message string
}

func (e *HookError) Error() string {
	return fmt.Sprintf("lua %s failed: %s", e.Hook, e.Message)
}

// Engine owns one Lua state. Hooks are called under a mutex because a lua.State is not goroutine-safe.
type Engine struct {
	mu     sync.Mutex
	state  *lua.State
	name   string
	hooks  map[string]bool
	logger *logrus.Logger
}

// LoadFile loads a script from disk.
func LoadFile(path string, logger *logrus.Logger) (*Engine, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return Load(string(src), path, logger)
}

// Load runs src in a fresh state and records which hooks it defines.
func Load(src, name string, logger *logrus.Logger) (*Engine, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("script %s is empty", name)
	}

	L := lua.NewState()
	L.OpenLibs()

	e := &Engine{state: L, name: name, hooks: map[string]bool{}, logger: logger}
	e.registerLog()

	if err := L.DoString(src); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to load script %s: %w", name, err)
	}

	for _, hook := range []string{HookRxToTTY, HookTTYToTx} {
		L.GetGlobal(hook)
		e.hooks[hook] = L.IsFunction(-1)
		L.Pop(1)
	}

	logger.WithFields(logrus.Fields{
		"script":    name,
		HookRxToTTY: e.hooks[HookRxToTTY],
		HookTTYToTx: e.hooks[HookTTYToTx],
	}).Info("Loaded bridge script")
	return e, nil
}

// registerLog exposes log(...) to scripts.
func (e *Engine) registerLog() {
	e.state.Register("log", func(L *lua.State) int {
		n := L.GetTop()
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, fmt.Sprint(L.ToBoolean(i)))
			default:
				parts = append(parts, L.ToString(i))
			}
		}
		e.logger.WithField("script", e.name).Info(strings.Join(parts, " "))
		return 0
	})
}

// Has reports whether the script defines hook.
func (e *Engine) Has(hook string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hooks[hook]
}

// Call runs hook with data. A missing hook passes data through. keep is false when the hook returned nil.
func (e *Engine) Call(hook string, data []byte) (out []byte, keep bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == nil {
		return nil, false, ErrClosed
	}
	if !e.hooks[hook] {
		return data, true, nil
	}

	L := e.state
	top := L.GetTop()
	defer L.SetTop(top)

	L.GetGlobal(hook)
	L.PushBytes(data)
	if err := L.Call(1, 1); err != nil {
		return nil, false, &HookError{Hook: hook, Message: err.Error()}
	}

	switch {
	case L.IsNil(-1):
		return nil, false, nil
	case L.IsString(-1):
		return L.ToBytes(-1), true, nil
	default:
		return nil, false, &HookError{Hook: hook, Message: fmt.Sprintf("must return a string or nil, got %s", L.Typename(int(L.Type(-1))))}
	}
}

// RxToTTY transforms bytes from the peripheral before they reach the PTY.
func (e *Engine) RxToTTY(data []byte) ([]byte, bool, error) { return e.Call(HookRxToTTY, data) }

// TTYToTx transforms bytes from the PTY before they are sent to the peripheral.
func (e *Engine) TTYToTx(data []byte) ([]byte, bool, error) { return e.Call(HookTTYToTx, data) }

func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}
