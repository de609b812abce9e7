package publish

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/aarzilli/golua/lua"

	"github.com/srg/blecollector/internal/fqcn"
)

// exprPattern matches "${...}" spans in a topic or payload template.
var exprPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// Interpolator evaluates the "${...}" expressions in MQTT topic and payload
// templates (spec.md §4.9) using an embedded Lua state, the same engine the
// teacher embeds for its interactive scripting
// (internal/lua/lua_engine.go). Expressions see the characteristic's fqcn
// (raw and sanitized), its resolved name, and the decoded value as globals.
type Interpolator struct {
	mu    sync.Mutex
	state *lua.State
}

// NewInterpolator opens a fresh Lua state with the standard libraries
// loaded, matching LuaEngine.resetInternal.
func NewInterpolator() *Interpolator {
	state := lua.NewState()
	state.OpenLibs()
	return &Interpolator{state: state}
}

// Close releases the underlying Lua state.
func (in *Interpolator) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.state.Close()
}

// Context is the set of variables exposed to a template's expressions.
// StateTopic and ConfigTopic are populated once those templates have been
// rendered, per spec.md §4.9: "After state_topic and config_topic are
// rendered, both are injected back into the scope so the discovery payload
// may reference them." ServiceName and PeripheralName are the resolved
// names behind the fqcn's service UUID and peripheral address, per spec.md
// §4.9's "service/characteristic/peripheral names, and their sanitized
// variants" - Name carries the characteristic's own resolved name.
type Context struct {
	Fqcn           fqcn.Fqcn
	Name           string
	ServiceName    string
	PeripheralName string
	KnownName      string
	Value          interface{}
	StateTopic     string
	ConfigTopic    string
}

// Render expands every "${expr}" span in template against ctx, evaluating
// expr as a Lua expression with ctx's fields bound as globals.
func (in *Interpolator) Render(template string, ctx Context) (string, error) {
	var firstErr error
	result := exprPattern.ReplaceAllStringFunc(template, func(match string) string {
		expr := exprPattern.FindStringSubmatch(match)[1]
		v, err := in.eval(expr, ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("mqtt interpolation %q: %w", expr, err)
			}
			return ""
		}
		return v
	})
	return result, firstErr
}

// RenderPayload recursively walks a discovery payload map (spec.md §4.9),
// interpolating every leaf string value and leaving other leaf types as-is.
func (in *Interpolator) RenderPayload(payload map[string]interface{}, ctx Context) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		rv, err := in.renderValue(v, ctx)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func (in *Interpolator) renderValue(v interface{}, ctx Context) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return in.Render(t, ctx)
	case map[string]interface{}:
		return in.RenderPayload(t, ctx)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			rv, err := in.renderValue(e, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (in *Interpolator) eval(expr string, ctx Context) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	clean := ctx.Fqcn.Clean()
	in.setGlobal("address", ctx.Fqcn.PeripheralAddress)
	in.setGlobal("service", ctx.Fqcn.ServiceUUID)
	in.setGlobal("characteristic", ctx.Fqcn.CharacteristicUUID)
	in.setGlobal("clean_address", clean.PeripheralAddress)
	in.setGlobal("clean_service", clean.ServiceUUID)
	in.setGlobal("clean_characteristic", clean.CharacteristicUUID)
	in.setGlobal("name", ctx.Name)
	in.setGlobal("clean_name", fqcn.Sanitize(ctx.Name))
	in.setGlobal("service_name", ctx.ServiceName)
	in.setGlobal("clean_service_name", fqcn.Sanitize(ctx.ServiceName))
	in.setGlobal("peripheral_name", ctx.PeripheralName)
	in.setGlobal("clean_peripheral_name", fqcn.Sanitize(ctx.PeripheralName))
	in.setGlobal("known_name", ctx.KnownName)
	in.setGlobal("value", fmt.Sprintf("%v", ctx.Value))
	in.setGlobal("state_topic", ctx.StateTopic)
	in.setGlobal("config_topic", ctx.ConfigTopic)

	if err := in.state.DoString("return tostring(" + expr + ")"); err != nil {
		return "", err
	}
	defer in.state.Pop(1)
	if !in.state.IsString(-1) && !in.state.IsNumber(-1) {
		return "", fmt.Errorf("expression did not evaluate to a scalar")
	}
	return in.state.ToString(-1), nil
}

func (in *Interpolator) setGlobal(name, value string) {
	in.state.PushString(value)
	in.state.SetGlobal(name)
}
