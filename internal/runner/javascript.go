package runner

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// functionCache compiles each distinct JavaScript module body once and
// reuses the compiled goja.Program across every invocation and restart,
// keyed by implementation fingerprint so the same recipe body never
// recompiles.
type functionCache struct {
	mu    sync.Mutex
	progs map[string]*goja.Program
}

func newFunctionCache() *functionCache {
	return &functionCache{progs: make(map[string]*goja.Program)}
}

func (fc *functionCache) compile(src string) (*goja.Program, error) {
	key := fingerprint(src)

	fc.mu.Lock()
	prog, ok := fc.progs[key]
	fc.mu.Unlock()
	if ok {
		return prog, nil
	}

	prog, err := goja.Compile("recipe", "(function(inputs){\n"+src+"\n})", true)
	if err != nil {
		return nil, fmt.Errorf("runner: compile javascript module: %w", err)
	}

	fc.mu.Lock()
	fc.progs[key] = prog
	fc.mu.Unlock()
	return prog, nil
}

// invoke runs a compiled javascript module body once against inputs in a
// fresh goja.Runtime. A fresh VM per call costs more than pooling one,
// but sidesteps any cross-call state leaking between a recipe's
// otherwise-pure invocations.
func (fc *functionCache) invoke(src string, inputs map[string]any) (any, error) {
	prog, err := fc.compile(src)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	if err := registerHelpers(vm); err != nil {
		return nil, fmt.Errorf("runner: register javascript helpers: %w", err)
	}

	val, err := vm.RunProgram(prog)
	if err != nil {
		return nil, fmt.Errorf("runner: evaluate javascript module: %w", err)
	}
	fn, ok := goja.AssertFunction(val)
	if !ok {
		return nil, fmt.Errorf("runner: javascript module did not produce a function")
	}

	result, err := fn(goja.Undefined(), vm.ToValue(inputs))
	if err != nil {
		return nil, fmt.Errorf("runner: run javascript module: %w", err)
	}
	return result.Export(), nil
}

// registerHelpers installs a small set of goja helper functions
// (toString/jsonParse/btoa/atob) that make sense for a sandboxed pure
// function over plain JSON values. HTTP helpers (httpGet/httpPost/
// httpPut/httpDelete) are deliberately not provided: recipe javascript
// modules run as pure functions over their bound inputs with no
// network access.
func registerHelpers(vm *goja.Runtime) error {
	if err := vm.Set("toString", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue("")
		}
		switch v := call.Arguments[0].Export().(type) {
		case []byte:
			return vm.ToValue(string(v))
		case string:
			return vm.ToValue(v)
		default:
			return vm.ToValue(fmt.Sprintf("%v", v))
		}
	}); err != nil {
		return err
	}

	if err := vm.Set("jsonParse", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		var raw []byte
		switch v := call.Arguments[0].Export().(type) {
		case []byte:
			raw = v
		case string:
			raw = []byte(v)
		default:
			panic(vm.NewTypeError("jsonParse: expected string or bytes"))
		}
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			panic(vm.NewTypeError("jsonParse: " + err.Error()))
		}
		return vm.ToValue(parsed)
	}); err != nil {
		return err
	}

	if err := vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue("")
		}
		var raw []byte
		switch v := call.Arguments[0].Export().(type) {
		case []byte:
			raw = v
		case string:
			raw = []byte(v)
		default:
			panic(vm.NewTypeError("btoa: expected string or bytes"))
		}
		return vm.ToValue(base64.StdEncoding.EncodeToString(raw))
	}); err != nil {
		return err
	}

	if err := vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue([]byte{})
		}
		s, _ := call.Arguments[0].Export().(string)
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			panic(vm.NewTypeError("atob: " + err.Error()))
		}
		return vm.ToValue(raw)
	}); err != nil {
		return err
	}

	return nil
}

// discoverJavaScriptSources walks a recipe's node graph (recursing into
// nested recipes) collecting every distinct javascript module body, so a
// Runner can eagerly warm its function cache for a whole recipe tree
// before the first wave runs rather than paying a first-use compile
// cost mid-wave.
func discoverJavaScriptSources(recipe *Recipe, out map[string]bool) {
	if recipe == nil {
		return
	}
	for _, node := range recipe.Nodes {
		switch node.Module.Type {
		case ModuleJavaScript:
			if src, ok := node.Module.Implementation.(string); ok {
				out[src] = true
			}
		case ModuleRecipe:
			if nested, ok := node.Module.Implementation.(*Recipe); ok {
				discoverJavaScriptSources(nested, out)
			}
		}
	}
}
