package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/srg/bluart"
	"github.com/srg/bluart/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultScriptPassesThrough(t *testing.T) {
	e, err := Load(bluart.DefaultBridgeLuaScript, "bridge.lua", testutils.NewTestLogger())
	require.NoError(t, err)
	defer e.Close()

	assert.True(t, e.Has(HookRxToTTY))
	assert.True(t, e.Has(HookTTYToTx))

	out, keep, err := e.RxToTTY([]byte("OK\r\n"))
	require.NoError(t, err)
	assert.True(t, keep)
	assert.Equal(t, "OK\r\n", string(out))
}

func TestExampleScriptIsEmbedded(t *testing.T) {
	src, err := testutils.ProjectFile("examples/bridge.lua")
	require.NoError(t, err)

	assert.Equal(t, string(src), bluart.DefaultBridgeLuaScript, "the binary MUST ship the example script unchanged")

	e, err := LoadFile(filepath.Join("..", "..", "examples", "bridge.lua"), testutils.NewTestLogger())
	require.NoError(t, err)
	e.Close()
}

func TestHooksTransformAndDrop(t *testing.T) {
	// GOAL: Verify hooks can rewrite bytes and drop chunks by returning nil
	//
	// TEST SCENARIO: rx_to_tty upper-cases, tty_to_tx drops "#" comments → transformed / dropped

	src := `
function rx_to_tty(data)
    return string.upper(data)
end

function tty_to_tx(data)
    if string.sub(data, 1, 1) == "#" then
        log("dropping", data)
        return nil
    end
    return data .. "\r\n"
end
`
	e, err := Load(src, "test.lua", testutils.NewTestLogger())
	require.NoError(t, err)
	defer e.Close()

	out, keep, err := e.RxToTTY([]byte("ok"))
	require.NoError(t, err)
	assert.True(t, keep)
	assert.Equal(t, "OK", string(out))

	_, keep, err = e.TTYToTx([]byte("# note"))
	require.NoError(t, err)
	assert.False(t, keep, "nil return MUST drop the chunk")

	out, keep, err = e.TTYToTx([]byte("AT"))
	require.NoError(t, err)
	assert.True(t, keep)
	assert.Equal(t, "AT\r\n", string(out))
}

func TestBinarySafe(t *testing.T) {
	e, err := Load(`function rx_to_tty(d) return d end`, "bin.lua", nil)
	require.NoError(t, err)
	defer e.Close()

	in := []byte{0x00, 0xFF, 0x0A, 0x00}
	out, _, err := e.RxToTTY(in)

	require.NoError(t, err)
	assert.Equal(t, in, out, "bytes including NUL MUST survive the hook")
}

func TestMissingHookPassesThrough(t *testing.T) {
	e, err := Load(`x = 1`, "none.lua", nil)
	require.NoError(t, err)
	defer e.Close()

	out, keep, err := e.TTYToTx([]byte("AT"))

	require.NoError(t, err)
	assert.True(t, keep)
	assert.Equal(t, "AT", string(out))
}

func TestHookErrors(t *testing.T) {
	e, err := Load(`
function rx_to_tty(d) error("boom") end
function tty_to_tx(d) return {} end
`, "bad.lua", nil)
	require.NoError(t, err)
	defer e.Close()

	_, _, err = e.RxToTTY([]byte("x"))
	var hookErr *HookError
	require.ErrorAs(t, err, &hookErr)
	assert.Equal(t, HookRxToTTY, hookErr.Hook)

	_, _, err = e.TTYToTx([]byte("x"))
	assert.ErrorContains(t, err, "must return a string or nil")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("   ", "empty.lua", nil)
	assert.Error(t, err)

	_, err = Load("function (", "syntax.lua", nil)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.lua"), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCallAfterClose(t *testing.T) {
	e, err := Load(`x = 1`, "c.lua", nil)
	require.NoError(t, err)
	e.Close()
	e.Close()

	_, _, err = e.RxToTTY([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}
