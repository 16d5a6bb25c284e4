package bluart

import _ "embed"

// DefaultBridgeLuaScript is the pass-through transform loaded when the bridge
// command runs without --script.
//
//go:embed examples/bridge.lua
var DefaultBridgeLuaScript string
