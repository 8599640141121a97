// Package mvm interprets the Mosh declarative contract format: a
// JSON-described set of typed variables, mappings and guarded
// functions executed deterministically with metered gas.
package mvm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	MaxVariables      = 10
	MaxMappings       = 5
	MaxFunctions      = 10
	MaxOpsPerFunction = 20
	MaxStringLength   = 256
	MaxNameLength     = 32
	MaxNesting        = 5
)

type VarType string

const (
	TypeU64     VarType = "u64"
	TypeU256    VarType = "u256"
	TypeString  VarType = "string"
	TypeBool    VarType = "bool"
	TypeAddress VarType = "address"
)

// ParseVarType accepts the aliases accepted by the deploy surface.
func ParseVarType(s string) (VarType, bool) {
	switch strings.ToLower(s) {
	case "u64", "uint64", "uint", "number", "uint32", "uint16", "uint8":
		return TypeU64, true
	case "u256", "uint256", "uint128":
		return TypeU256, true
	case "string", "str":
		return TypeString, true
	case "bool", "boolean":
		return TypeBool, true
	case "address", "addr":
		return TypeAddress, true
	}
	return "", false
}

func (t *VarType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = ""
		return nil
	}
	v, ok := ParseVarType(s)
	if !ok {
		return fmt.Errorf("unknown type %q", s)
	}
	*t = v
	return nil
}

func (t VarType) numeric() bool {
	return t == TypeU64 || t == TypeU256
}

type Modifier string

const (
	ModView      Modifier = "view"
	ModWrite     Modifier = "write"
	ModPayable   Modifier = "payable"
	ModOnlyOwner Modifier = "only_owner"
)

func (m *Modifier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "view":
		*m = ModView
	case "write":
		*m = ModWrite
	case "payable":
		*m = ModPayable
	case "onlyowner", "only_owner", "owner":
		*m = ModOnlyOwner
	default:
		return fmt.Errorf("unknown modifier %q", s)
	}
	return nil
}

// Expr is an unevaluated operand. JSON numbers and booleans collapse
// to their canonical string form so `"value": 5` and `"value": "5"`
// behave identically.
type Expr string

func (e *Expr) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		*e = Expr(x)
	case json.Number:
		*e = Expr(x.String())
	case bool:
		if x {
			*e = "true"
		} else {
			*e = "false"
		}
	case nil:
		*e = ""
	default:
		return fmt.Errorf("unsupported operand %v", v)
	}
	return nil
}

type Cond struct {
	Left  Expr   `json:"left"`
	Cmp   string `json:"cmp"`
	Right Expr   `json:"right"`
}

type Op struct {
	Op        string `json:"op"`
	Var       string `json:"var,omitempty"`
	Map       string `json:"map,omitempty"`
	Key       Expr   `json:"key,omitempty"`
	Value     Expr   `json:"value,omitempty"`
	Left      Expr   `json:"left,omitempty"`
	Cmp       string `json:"cmp,omitempty"`
	Right     Expr   `json:"right,omitempty"`
	Msg       string `json:"msg,omitempty"`
	To        Expr   `json:"to,omitempty"`
	Amount    Expr   `json:"amount,omitempty"`
	Cond      *Cond  `json:"cond,omitempty"`
	Then      []Op   `json:"then,omitempty"`
	Else      []Op   `json:"else,omitempty"`
	Event     string `json:"event_name,omitempty"`
	EventArgs []Expr `json:"event_args,omitempty"`
}

type VarDef struct {
	Name    string  `json:"name"`
	Type    VarType `json:"type"`
	Default string  `json:"default,omitempty"`
}

type MappingDef struct {
	Name      string  `json:"name"`
	KeyType   VarType `json:"key_type"`
	ValueType VarType `json:"value_type"`
}

type FnArg struct {
	Name string  `json:"name"`
	Type VarType `json:"type"`
}

type FnDef struct {
	Name      string     `json:"name"`
	Modifiers []Modifier `json:"modifiers,omitempty"`
	Args      []FnArg    `json:"args,omitempty"`
	Body      []Op       `json:"body,omitempty"`
	Returns   VarType    `json:"returns,omitempty"`
}

func (f *FnDef) Has(m Modifier) bool {
	for _, x := range f.Modifiers {
		if x == m {
			return true
		}
	}
	return false
}

// Spec is the declarative contract document carried in a
// deploy_contract payload.
type Spec struct {
	Name      string       `json:"name"`
	Token     string       `json:"token,omitempty"`
	Variables []VarDef     `json:"variables,omitempty"`
	Mappings  []MappingDef `json:"mappings,omitempty"`
	Functions []FnDef      `json:"functions,omitempty"`
}

// Contract is the persisted runtime header. Addresses are in the
// checksummed text form; Token is empty when no token is linked.
type Contract struct {
	Address    string `json:"address"`
	Creator    string `json:"creator"`
	Owner      string `json:"owner"`
	Token      string `json:"token,omitempty"`
	Spec       Spec   `json:"spec"`
	DeployedAt uint64 `json:"deployed_at_block"`
}

func (c *Contract) Variable(name string) *VarDef {
	for i := range c.Spec.Variables {
		if c.Spec.Variables[i].Name == name {
			return &c.Spec.Variables[i]
		}
	}
	return nil
}

func (c *Contract) Mapping(name string) *MappingDef {
	for i := range c.Spec.Mappings {
		if c.Spec.Mappings[i].Name == name {
			return &c.Spec.Mappings[i]
		}
	}
	return nil
}

func (c *Contract) Function(name string) *FnDef {
	for i := range c.Spec.Functions {
		if c.Spec.Functions[i].Name == name {
			return &c.Spec.Functions[i]
		}
	}
	return nil
}

// ParseSpec decodes and validates a deploy payload.
func ParseSpec(data []byte) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, specErr("malformed contract spec: %v", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

var reservedNames = map[string]bool{
	"owner": true, "creator": true, "token": true, "address": true, "balance": true,
}

// Reserved setters other than set_owner are rejected at deploy.
var forbiddenFnNames = map[string]bool{
	"set_creator": true, "set_token": true, "set_address": true, "set_balance": true,
}

func validName(s string) bool {
	if len(s) == 0 || len(s) > MaxNameLength {
		return false
	}
	for _, r := range s {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func (s *Spec) Validate() error {
	if !validName(s.Name) {
		return specErr("contract name: 1-%d identifier chars", MaxNameLength)
	}
	if len(s.Variables) > MaxVariables {
		return specErr("max %d variables", MaxVariables)
	}
	if len(s.Mappings) > MaxMappings {
		return specErr("max %d mappings", MaxMappings)
	}
	if len(s.Functions) > MaxFunctions {
		return specErr("max %d functions", MaxFunctions)
	}

	names := map[string]bool{}
	for _, v := range s.Variables {
		if !validName(v.Name) {
			return specErr("variable name %q", v.Name)
		}
		if reservedNames[v.Name] {
			return specErr("reserved name: %s", v.Name)
		}
		if names[v.Name] {
			return specErr("duplicate name: %s", v.Name)
		}
		names[v.Name] = true
		if v.Type == "" {
			return specErr("variable %s: missing type", v.Name)
		}
		if v.Default != "" {
			if _, err := ParseTyped(v.Type, v.Default); err != nil {
				return specErr("variable %s: bad default %q", v.Name, v.Default)
			}
		}
	}
	for _, m := range s.Mappings {
		if !validName(m.Name) {
			return specErr("mapping name %q", m.Name)
		}
		if reservedNames[m.Name] {
			return specErr("reserved name: %s", m.Name)
		}
		if names[m.Name] {
			return specErr("duplicate name: %s", m.Name)
		}
		names[m.Name] = true
		if m.KeyType == "" || m.ValueType == "" {
			return specErr("mapping %s: missing types", m.Name)
		}
	}

	fnNames := map[string]bool{}
	for i := range s.Functions {
		f := &s.Functions[i]
		if !validName(f.Name) {
			return specErr("function name %q", f.Name)
		}
		if forbiddenFnNames[f.Name] || f.Name == "set_owner" {
			return specErr("reserved function: %s", f.Name)
		}
		if fnNames[f.Name] {
			return specErr("duplicate function: %s", f.Name)
		}
		fnNames[f.Name] = true
		if f.Has(ModView) && (f.Has(ModPayable) || f.Has(ModOnlyOwner)) {
			return specErr("function %s: view excludes payable/only_owner", f.Name)
		}
		argNames := map[string]bool{}
		for _, a := range f.Args {
			if !validName(a.Name) {
				return specErr("function %s: arg name %q", f.Name, a.Name)
			}
			if argNames[a.Name] {
				return specErr("function %s: duplicate arg %s", f.Name, a.Name)
			}
			argNames[a.Name] = true
			if a.Type == "" {
				return specErr("function %s: arg %s missing type", f.Name, a.Name)
			}
		}
		if countOps(f.Body) > MaxOpsPerFunction {
			return specErr("function %s: too many ops (max %d)", f.Name, MaxOpsPerFunction)
		}
		if err := validateOps(s, f.Body, 1); err != nil {
			return specErr("function %s: %v", f.Name, err)
		}
	}
	return nil
}

func countOps(body []Op) int {
	n := 0
	for i := range body {
		n++
		n += countOps(body[i].Then)
		n += countOps(body[i].Else)
	}
	return n
}

func validCmp(c string) bool {
	switch c {
	case ">", ">=", "<", "<=", "==", "=", "!=":
		return true
	}
	return false
}

func checkStr(fields ...string) error {
	for _, f := range fields {
		if len(f) > MaxStringLength {
			return fmt.Errorf("string constant over %d chars", MaxStringLength)
		}
	}
	return nil
}

func validateOps(s *Spec, body []Op, depth int) error {
	if depth > MaxNesting {
		return fmt.Errorf("nesting deeper than %d", MaxNesting)
	}
	for i := range body {
		op := &body[i]
		if err := checkStr(string(op.Value), string(op.Key), string(op.Left),
			string(op.Right), op.Msg, string(op.To), string(op.Amount)); err != nil {
			return err
		}
		switch op.Op {
		case "set", "add", "sub", "mul", "div", "mod", "let":
			if op.Var == "" {
				return fmt.Errorf("%s: missing var", op.Op)
			}
		case "map_set", "map_add", "map_sub", "map_mul", "map_div", "map_mod":
			if op.Map == "" {
				return fmt.Errorf("%s: missing map", op.Op)
			}
			if s != nil && mappingOf(s, op.Map) == nil {
				return fmt.Errorf("%s: unknown mapping %s", op.Op, op.Map)
			}
		case "require", "guard":
			if !validCmp(op.Cmp) {
				return fmt.Errorf("%s: bad cmp %q", op.Op, op.Cmp)
			}
		case "if":
			if op.Cond == nil || !validCmp(op.Cond.Cmp) {
				return fmt.Errorf("if: missing or bad cond")
			}
			if err := checkStr(string(op.Cond.Left), string(op.Cond.Right)); err != nil {
				return err
			}
			if err := validateOps(s, op.Then, depth+1); err != nil {
				return err
			}
			if err := validateOps(s, op.Else, depth+1); err != nil {
				return err
			}
		case "return":
		case "transfer":
		case "emit", "signal":
			if !validName(op.Event) {
				return fmt.Errorf("emit: bad event name %q", op.Event)
			}
			for _, a := range op.EventArgs {
				if err := checkStr(string(a)); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unknown op %q", op.Op)
		}
	}
	return nil
}

func mappingOf(s *Spec, name string) *MappingDef {
	for i := range s.Mappings {
		if s.Mappings[i].Name == name {
			return &s.Mappings[i]
		}
	}
	return nil
}
