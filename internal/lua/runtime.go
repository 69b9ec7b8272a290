// Package lua provides a Runner whose behavior is a sandboxed Lua script.
// The script defines run(command, server) and returns an exit code and,
// optionally, output text. emit(text) streams output while the script runs.
package lua

import (
	"context"
	"io"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.trai.ch/zerr"

	"github.com/mpataki/gun/internal/logger"
	"github.com/mpataki/gun/internal/models"
	"github.com/mpataki/gun/internal/runner"
)

var (
	ErrNoRunFunction = zerr.New("script must define a 'run' function")
	ErrBadReturn     = zerr.New("run must return an exit code")
)

// Runner executes each request in a fresh Lua state.
type Runner struct {
	script string
	name   string
	log    logger.Logger
}

// New creates a Runner from script source. name labels errors and logs.
func New(name, script string, log logger.Logger) *Runner {
	if log == nil {
		log = logger.Discard{}
	}
	return &Runner{script: script, name: name, log: log}
}

// Load reads a script from disk.
func Load(path string, log logger.Logger) (*Runner, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to read script"), "path", path)
	}
	return New(path, string(script), log), nil
}

func (r *Runner) Run(ctx context.Context, req runner.Request, out io.Writer) runner.Result {
	var buf strings.Builder
	w := io.MultiWriter(&buf, out)

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	openSafeLibs(L)
	r.registerAPI(L, req, w)

	if err := L.DoString(r.script); err != nil {
		return runner.Failed(zerr.With(zerr.Wrap(err, "failed to load script"), "script", r.name), buf.String())
	}

	fn := L.GetGlobal("run")
	if fn.Type() != lua.LTFunction {
		return runner.Failed(zerr.With(zerr.Wrap(ErrNoRunFunction, "invalid script"), "script", r.name), buf.String())
	}

	L.Push(fn)
	L.Push(lua.LString(req.Command))
	L.Push(serverTable(L, req.Server))
	if err := L.PCall(2, 2, nil); err != nil {
		return runner.Failed(zerr.With(zerr.Wrap(err, "script failed"), "script", r.name), buf.String())
	}

	code, output := L.Get(-2), L.Get(-1)
	L.Pop(2)

	if s, ok := output.(lua.LString); ok {
		_, _ = io.WriteString(w, string(s))
	}

	switch v := code.(type) {
	case lua.LNumber:
		return runner.Exited(int(v), buf.String())
	case lua.LBool:
		if v {
			return runner.Exited(0, buf.String())
		}
		return runner.Exited(1, buf.String())
	default:
		if code == lua.LNil {
			return runner.Exited(0, buf.String())
		}
		return runner.Failed(zerr.With(zerr.Wrap(ErrBadReturn, "invalid result"), "type", code.Type().String()), buf.String())
	}
}

// openSafeLibs loads only the side-effect free standard libraries.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("print", lua.LNil) // use emit() or log()

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runner) registerAPI(L *lua.LState, req runner.Request, w io.Writer) {
	L.SetGlobal("emit", L.NewFunction(func(L *lua.LState) int {
		_, _ = io.WriteString(w, L.CheckString(1))
		return 0
	}))
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		r.log.Info(L.CheckString(1), "script", r.name, "server", req.Server.Name)
		return 0
	}))
}

func serverTable(L *lua.LState, s models.Server) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "id", lua.LNumber(s.ID))
	L.SetField(tbl, "name", lua.LString(s.Name))
	L.SetField(tbl, "host", lua.LString(s.Address()))
	L.SetField(tbl, "port", lua.LNumber(s.Port))
	L.SetField(tbl, "user", lua.LString(s.User))

	roles := L.NewTable()
	for _, role := range s.Roles {
		roles.Append(lua.LString(role))
	}
	L.SetField(tbl, "roles", roles)
	return tbl
}
