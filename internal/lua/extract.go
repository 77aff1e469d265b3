package lua

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// RunExtract runs the Lua script at scriptPath, calling the global
// extract(query) function. The script must return a table of string keys
// to string values; these become candidate parameter values for the
// normalize step. Scripts can use os.getenv for environment variables.
func RunExtract(scriptPath, query string) (map[string]string, error) {
	lState := lua.NewState()
	defer lState.Close()

	lState.PreloadModule("os", osModuleLoader)

	absPath, err := filepath.Abs(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	if err := lState.DoFile(absPath); err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}

	fn := lState.GetGlobal("extract")
	if fn.Type() == lua.LTNil {
		return nil, fmt.Errorf("script must define global function extract(query)")
	}
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("extract must be a function, got %s", fn.Type().String())
	}

	lState.Push(fn)
	lState.Push(lua.LString(query))
	if err := lState.PCall(1, 1, nil); err != nil {
		return nil, fmt.Errorf("extract(): %w", err)
	}

	ret := lState.Get(-1)
	lState.Pop(1)

	switch ret.Type() {
	case lua.LTNil:
		return nil, nil
	case lua.LTTable:
		params := make(map[string]string)
		ret.(*lua.LTable).ForEach(func(k, v lua.LValue) {
			if k.Type() == lua.LTString && v.Type() == lua.LTString {
				params[k.String()] = v.String()
			}
		})
		return params, nil
	default:
		return nil, fmt.Errorf("extract() must return nil or a table of strings, got %s", ret.Type().String())
	}
}

// osModuleLoader provides a minimal os module: getenv and time.
func osModuleLoader(lState *lua.LState) int {
	mod := lState.NewTable()
	lState.SetField(mod, "getenv", lState.NewFunction(func(ls *lua.LState) int {
		key := ls.CheckString(1)
		ls.Push(lua.LString(os.Getenv(key)))
		return 1
	}))
	lState.SetField(mod, "time", lState.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	lState.Push(mod)
	return 1
}
