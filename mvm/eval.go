package mvm

import (
	"strings"

	"github.com/moshvm/mvm/core/block"
)

// eval resolves an operand string. Precedence: specials, function
// arguments, locals, mapping reads name[expr], contract variables,
// decimal literals, then plain string literal.
func (ctx *execCtx) eval(expr Expr) (Value, error) {
	s := string(expr)
	switch s {
	case "":
		return NumValue(TypeU256, block.Amount{}), nil
	case "msg.sender":
		return AddrValue(ctx.env.Caller), nil
	case "msg.amount":
		return NumValue(TypeU256, ctx.env.CallValue), nil
	case "block.height":
		return NumValue(TypeU64, block.NewAmount(ctx.env.BlockHeight)), nil
	case "block.timestamp":
		return NumValue(TypeU64, block.NewAmount(ctx.env.BlockTimestampMs)), nil
	case "contract.owner":
		return AddrValue(ctx.contract.Owner), nil
	case "contract.creator":
		return AddrValue(ctx.contract.Creator), nil
	case "contract.address":
		return AddrValue(ctx.contract.Address), nil
	case "contract.token":
		return AddrValue(ctx.contract.Token), nil
	}

	if v, ok := ctx.args[s]; ok {
		return v, nil
	}
	if v, ok := ctx.locals[s]; ok {
		return v, nil
	}

	// Single-level mapping read: name[expr].
	if i := strings.IndexByte(s, '['); i > 0 && strings.HasSuffix(s, "]") {
		name, keyExpr := s[:i], s[i+1:len(s)-1]
		if def := ctx.contract.Mapping(name); def != nil {
			key, err := ctx.evalKey(def, Expr(keyExpr))
			if err != nil {
				return Value{}, err
			}
			raw, ok, err := ctx.r.GetMap(ctx.contract.Address, name, key)
			if err != nil {
				return Value{}, err
			}
			if !ok {
				return ZeroOf(def.ValueType), nil
			}
			return ParseTyped(def.ValueType, raw)
		}
	}

	if def := ctx.contract.Variable(s); def != nil {
		return ctx.readVar(def)
	}

	if isDecimal(s) {
		a, err := block.ParseAmount(s)
		if err != nil {
			return Value{}, ErrArithmetic
		}
		return NumValue(TypeU256, a), nil
	}

	return StrValue(s), nil
}

func (ctx *execCtx) readVar(def *VarDef) (Value, error) {
	raw, ok, err := ctx.r.GetVar(ctx.contract.Address, def.Name)
	if err != nil {
		return Value{}, err
	}
	if !ok {
		if def.Default != "" {
			return ParseTyped(def.Type, def.Default)
		}
		return ZeroOf(def.Type), nil
	}
	return ParseTyped(def.Type, raw)
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// autoMethod synthesizes the generated getters and setters:
// get_v / set_v(x) per variable, get_m(k) / set_m(k, v) per mapping,
// plus getters for the reserved header fields.
func autoMethod(c *Contract, method string) *FnDef {
	switch method {
	case "get_owner":
		return headerGetter("contract.owner", TypeAddress)
	case "get_creator":
		return headerGetter("contract.creator", TypeAddress)
	case "get_token":
		return headerGetter("contract.token", TypeAddress)
	case "get_address":
		return headerGetter("contract.address", TypeAddress)
	}

	if name, ok := strings.CutPrefix(method, "get_"); ok {
		if def := c.Variable(name); def != nil {
			return &FnDef{
				Name:      method,
				Modifiers: []Modifier{ModView},
				Body:      []Op{{Op: "return", Value: Expr(name)}},
				Returns:   def.Type,
			}
		}
		if def := c.Mapping(name); def != nil {
			return &FnDef{
				Name:      method,
				Modifiers: []Modifier{ModView},
				Args:      []FnArg{{Name: "key", Type: def.KeyType}},
				Body:      []Op{{Op: "return", Value: Expr(name + "[key]")}},
				Returns:   def.ValueType,
			}
		}
	}
	if name, ok := strings.CutPrefix(method, "set_"); ok {
		if def := c.Variable(name); def != nil {
			return &FnDef{
				Name:      method,
				Modifiers: []Modifier{ModWrite, ModOnlyOwner},
				Args:      []FnArg{{Name: "value", Type: def.Type}},
				Body:      []Op{{Op: "set", Var: name, Value: "value"}},
			}
		}
		if def := c.Mapping(name); def != nil {
			return &FnDef{
				Name:      method,
				Modifiers: []Modifier{ModWrite, ModOnlyOwner},
				Args: []FnArg{
					{Name: "key", Type: def.KeyType},
					{Name: "value", Type: def.ValueType},
				},
				Body: []Op{{Op: "map_set", Map: name, Key: "key", Value: "value"}},
			}
		}
	}
	return nil
}

func headerGetter(field string, t VarType) *FnDef {
	return &FnDef{
		Modifiers: []Modifier{ModView},
		Body:      []Op{{Op: "return", Value: Expr(field)}},
		Returns:   t,
	}
}
