package mvm

import (
	"strings"

	"github.com/moshvm/mvm/core/block"
)

// StateReader is the read surface the interpreter needs. Contract,
// token and holder identities are checksummed text addresses.
type StateReader interface {
	GetVar(contract, name string) (string, bool, error)
	GetMap(contract, mapName, key string) (string, bool, error)
	TokenBalance(token, holder string) (block.Amount, error)
}

// StateWriter extends reads with the mutations the write opcodes
// perform. Implementations stage writes in a per-transaction journal.
type StateWriter interface {
	StateReader
	SetVar(contract, name, value string) error
	SetMap(contract, mapName, key, value string) error
	SetTokenBalance(token, holder string, v block.Amount) error
	SetContractOwner(contract, owner string) error
}

// Env is the per-call environment.
type Env struct {
	Caller           string
	CallValue        block.Amount
	BlockHeight      uint64
	BlockTimestampMs uint64
	GasLimit         uint64
	Depth            int
}

type Event struct {
	Name string
	Args []string
}

type CallResult struct {
	Value   *Value
	Events  []Event
	GasUsed uint64
}

type VM struct{}

func New() *VM {
	return &VM{}
}

type gasMeter struct {
	free      bool
	limit     uint64
	remaining uint64
}

func (g *gasMeter) charge(n uint64) error {
	if g.free {
		return nil
	}
	if g.remaining < n {
		g.remaining = 0
		return ErrOutOfGas
	}
	g.remaining -= n
	return nil
}

func (g *gasMeter) used() uint64 {
	if g.free {
		return 0
	}
	return g.limit - g.remaining
}

type execCtx struct {
	vm       *VM
	contract *Contract
	fn       *FnDef
	env      Env
	args     map[string]Value
	locals   map[string]Value
	events   []Event
	gas      *gasMeter
	r        StateReader
	w        StateWriter // nil on the free view path
	ret      *Value
	done     bool
}

// Call executes a method inside a transaction. Gas is charged against
// env.GasLimit. Execution faults are returned as *Error; errors from
// st are returned unwrapped.
func (vm *VM) Call(st StateWriter, c *Contract, method string, args []string, env Env) (*CallResult, error) {
	gas := &gasMeter{limit: env.GasLimit, remaining: env.GasLimit}
	res, err := vm.run(st, st, c, method, args, env, gas)
	if res == nil {
		res = &CallResult{}
	}
	res.GasUsed = gas.used()
	return res, err
}

// View executes a View function against a read-only snapshot with
// gas = 0. Mutating methods fail with not_view_function.
func (vm *VM) View(st StateReader, c *Contract, method string, args []string, env Env) (*Value, error) {
	gas := &gasMeter{free: true}
	res, err := vm.run(st, nil, c, method, args, env, gas)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

func (vm *VM) run(r StateReader, w StateWriter, c *Contract, method string, args []string, env Env, gas *gasMeter) (*CallResult, error) {
	if env.Depth > 0 {
		return nil, ErrReentrancy
	}

	// set_owner touches the header, not contract storage.
	if method == "set_owner" {
		return vm.setOwner(w, c, args, env, gas)
	}

	fn := c.Function(method)
	if fn == nil {
		fn = autoMethod(c, method)
		if fn == nil {
			return nil, ErrMethodNotFound
		}
	}

	view := fn.Has(ModView)
	if w == nil && !view {
		return nil, ErrNotView
	}
	if view {
		if err := checkViewBody(fn.Body); err != nil {
			return nil, err
		}
		if !env.CallValue.IsZero() {
			return nil, ErrNotPayable
		}
	}
	if fn.Has(ModOnlyOwner) && env.Caller != c.Owner {
		return nil, ErrOnlyOwner
	}
	if !fn.Has(ModPayable) && !env.CallValue.IsZero() {
		return nil, ErrNotPayable
	}

	ctx := &execCtx{
		vm:       vm,
		contract: c,
		fn:       fn,
		env:      env,
		args:     map[string]Value{},
		locals:   map[string]Value{},
		gas:      gas,
		r:        r,
		w:        w,
	}
	for i, def := range fn.Args {
		raw := ""
		if i < len(args) {
			raw = args[i]
		}
		v, err := ParseTyped(def.Type, raw)
		if err != nil {
			return nil, GuardFailed("bad argument " + def.Name)
		}
		ctx.args[def.Name] = v
	}

	// Payable pull: the sent-with-call amount moves from the caller to
	// the contract in the linked token before the body runs.
	if fn.Has(ModPayable) && !env.CallValue.IsZero() {
		if c.Token == "" {
			return nil, &Error{Code: ErrNotPayable.Code, Msg: "no linked token"}
		}
		if err := moveToken(w, c.Token, env.Caller, c.Address, env.CallValue); err != nil {
			return nil, err
		}
	}

	if err := ctx.exec(fn.Body, 0); err != nil {
		return nil, err
	}
	return &CallResult{Value: ctx.ret, Events: ctx.events}, nil
}

func (vm *VM) setOwner(w StateWriter, c *Contract, args []string, env Env, gas *gasMeter) (*CallResult, error) {
	if w == nil {
		return nil, ErrNotView
	}
	if env.Caller != c.Owner {
		return nil, ErrOnlyOwner
	}
	if !env.CallValue.IsZero() {
		return nil, ErrNotPayable
	}
	if len(args) < 1 || args[0] == "" {
		return nil, GuardFailed("missing new owner")
	}
	if err := gas.charge(block.GasOpSet); err != nil {
		return nil, err
	}
	if err := w.SetContractOwner(c.Address, args[0]); err != nil {
		return nil, err
	}
	c.Owner = args[0]
	return &CallResult{}, nil
}

func moveToken(w StateWriter, token, from, to string, amount block.Amount) error {
	fromBal, err := w.TokenBalance(token, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientTokenBalance
	}
	if from == to {
		return nil
	}
	toBal, err := w.TokenBalance(token, to)
	if err != nil {
		return err
	}
	newFrom, err := fromBal.Sub(amount)
	if err != nil {
		return ErrArithmetic
	}
	newTo, err := toBal.Add(amount)
	if err != nil {
		return ErrArithmetic
	}
	if err := w.SetTokenBalance(token, from, newFrom); err != nil {
		return err
	}
	return w.SetTokenBalance(token, to, newTo)
}

// View bodies may only evaluate and return; branching and guards are
// read-only and allowed.
func checkViewBody(body []Op) error {
	for i := range body {
		switch body[i].Op {
		case "return", "require", "guard":
		case "if":
			if err := checkViewBody(body[i].Then); err != nil {
				return err
			}
			if err := checkViewBody(body[i].Else); err != nil {
				return err
			}
		default:
			return ErrNotView
		}
	}
	return nil
}

func (ctx *execCtx) exec(body []Op, depth int) error {
	if depth > MaxNesting {
		return specErr("nesting deeper than %d", MaxNesting)
	}
	for i := range body {
		if ctx.done {
			return nil
		}
		if err := ctx.step(&body[i], depth); err != nil {
			return err
		}
	}
	return nil
}

func (ctx *execCtx) step(op *Op, depth int) error {
	switch op.Op {
	case "set":
		if err := ctx.gas.charge(block.GasOpSet); err != nil {
			return err
		}
		return ctx.assignVar(op.Var, op.Value)
	case "add", "sub", "mul", "div", "mod":
		if err := ctx.gas.charge(block.GasOpArith); err != nil {
			return err
		}
		return ctx.arithVar(op.Op, op.Var, op.Value)
	case "let":
		if err := ctx.gas.charge(block.GasOpSet); err != nil {
			return err
		}
		v, err := ctx.eval(op.Value)
		if err != nil {
			return err
		}
		ctx.locals[op.Var] = v
		return nil
	case "map_set":
		if err := ctx.gas.charge(block.GasOpMapSet); err != nil {
			return err
		}
		return ctx.assignMap(op.Map, op.Key, op.Value)
	case "map_add", "map_sub", "map_mul", "map_div", "map_mod":
		if err := ctx.gas.charge(block.GasOpMapArith); err != nil {
			return err
		}
		return ctx.arithMap(strings.TrimPrefix(op.Op, "map_"), op.Map, op.Key, op.Value)
	case "require", "guard":
		if err := ctx.gas.charge(block.GasOpRequire); err != nil {
			return err
		}
		ok, err := ctx.compare(op.Left, op.Cmp, op.Right)
		if err != nil {
			return err
		}
		if !ok {
			msg := op.Msg
			if msg == "" {
				msg = "require failed"
			}
			return GuardFailed(msg)
		}
		return nil
	case "if":
		if err := ctx.gas.charge(block.GasOpIf); err != nil {
			return err
		}
		ok, err := ctx.compare(op.Cond.Left, op.Cond.Cmp, op.Cond.Right)
		if err != nil {
			return err
		}
		if ok {
			return ctx.exec(op.Then, depth+1)
		}
		return ctx.exec(op.Else, depth+1)
	case "return":
		if err := ctx.gas.charge(block.GasOpReturn); err != nil {
			return err
		}
		v, err := ctx.eval(op.Value)
		if err != nil {
			return err
		}
		if ctx.fn.Returns != "" {
			cv, err := Coerce(ctx.fn.Returns, v)
			if err != nil {
				return err
			}
			v = cv
		}
		ctx.ret = &v
		ctx.done = true
		return nil
	case "transfer":
		if err := ctx.gas.charge(block.GasOpTransfer); err != nil {
			return err
		}
		return ctx.transfer(op.To, op.Amount)
	case "emit", "signal":
		if err := ctx.gas.charge(block.GasOpRequire); err != nil {
			return err
		}
		ev := Event{Name: op.Event}
		for _, a := range op.EventArgs {
			v, err := ctx.eval(a)
			if err != nil {
				return err
			}
			ev.Args = append(ev.Args, v.Canon())
		}
		ctx.events = append(ctx.events, ev)
		return nil
	}
	return specErr("unknown op %q", op.Op)
}

func (ctx *execCtx) assignVar(name string, expr Expr) error {
	def := ctx.contract.Variable(name)
	if def == nil {
		return GuardFailed("unknown variable " + name)
	}
	v, err := ctx.eval(expr)
	if err != nil {
		return err
	}
	cv, err := Coerce(def.Type, v)
	if err != nil {
		return err
	}
	return ctx.w.SetVar(ctx.contract.Address, name, cv.Canon())
}

func (ctx *execCtx) arithVar(opName, name string, expr Expr) error {
	def := ctx.contract.Variable(name)
	if def == nil {
		return GuardFailed("unknown variable " + name)
	}
	if !def.Type.numeric() {
		return ErrArithmetic
	}
	cur, err := ctx.readVar(def)
	if err != nil {
		return err
	}
	operand, err := ctx.evalNumeric(expr)
	if err != nil {
		return err
	}
	res, err := applyArith(opName, cur.Num, operand)
	if err != nil {
		return err
	}
	cv, err := Coerce(def.Type, NumValue(TypeU256, res))
	if err != nil {
		return err
	}
	return ctx.w.SetVar(ctx.contract.Address, name, cv.Canon())
}

func (ctx *execCtx) assignMap(name string, keyExpr, valExpr Expr) error {
	def := ctx.contract.Mapping(name)
	if def == nil {
		return GuardFailed("unknown mapping " + name)
	}
	key, err := ctx.evalKey(def, keyExpr)
	if err != nil {
		return err
	}
	v, err := ctx.eval(valExpr)
	if err != nil {
		return err
	}
	cv, err := Coerce(def.ValueType, v)
	if err != nil {
		return err
	}
	return ctx.w.SetMap(ctx.contract.Address, name, key, cv.Canon())
}

func (ctx *execCtx) arithMap(opName, name string, keyExpr, valExpr Expr) error {
	def := ctx.contract.Mapping(name)
	if def == nil {
		return GuardFailed("unknown mapping " + name)
	}
	if !def.ValueType.numeric() {
		return ErrArithmetic
	}
	key, err := ctx.evalKey(def, keyExpr)
	if err != nil {
		return err
	}
	raw, ok, err := ctx.r.GetMap(ctx.contract.Address, name, key)
	if err != nil {
		return err
	}
	cur := ZeroOf(def.ValueType)
	if ok {
		cur, err = ParseTyped(def.ValueType, raw)
		if err != nil {
			return err
		}
	}
	operand, err := ctx.evalNumeric(valExpr)
	if err != nil {
		return err
	}
	res, err := applyArith(opName, cur.Num, operand)
	if err != nil {
		return err
	}
	cv, err := Coerce(def.ValueType, NumValue(TypeU256, res))
	if err != nil {
		return err
	}
	return ctx.w.SetMap(ctx.contract.Address, name, key, cv.Canon())
}

func (ctx *execCtx) evalKey(def *MappingDef, expr Expr) (string, error) {
	v, err := ctx.eval(expr)
	if err != nil {
		return "", err
	}
	cv, err := Coerce(def.KeyType, v)
	if err != nil {
		return "", err
	}
	return cv.Canon(), nil
}

func applyArith(op string, a, b block.Amount) (block.Amount, error) {
	var res block.Amount
	var err error
	switch op {
	case "add":
		res, err = a.Add(b)
	case "sub":
		res, err = a.Sub(b)
	case "mul":
		res, err = a.Mul(b)
	case "div":
		res, err = a.Div(b)
	case "mod":
		res, err = a.Mod(b)
	}
	if err != nil {
		return block.Amount{}, ErrArithmetic
	}
	return res, nil
}

func (ctx *execCtx) transfer(toExpr, amountExpr Expr) error {
	if ctx.contract.Token == "" {
		return &Error{Code: ErrInsufficientContractBalance.Code, Msg: "no linked token"}
	}
	toV, err := ctx.eval(toExpr)
	if err != nil {
		return err
	}
	amount, err := ctx.evalNumeric(amountExpr)
	if err != nil {
		return err
	}
	bal, err := ctx.w.TokenBalance(ctx.contract.Token, ctx.contract.Address)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientContractBalance
	}
	return moveToken(ctx.w, ctx.contract.Token, ctx.contract.Address, toV.Canon(), amount)
}

func (ctx *execCtx) compare(left Expr, cmp string, right Expr) (bool, error) {
	lv, err := ctx.eval(left)
	if err != nil {
		return false, err
	}
	rv, err := ctx.eval(right)
	if err != nil {
		return false, err
	}
	switch cmp {
	case "==", "=":
		return lv.Canon() == rv.Canon(), nil
	case "!=":
		return lv.Canon() != rv.Canon(), nil
	}
	ln, err := toNumeric(lv)
	if err != nil {
		return false, err
	}
	rn, err := toNumeric(rv)
	if err != nil {
		return false, err
	}
	c := ln.Cmp(rn)
	switch cmp {
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	}
	return false, specErr("bad cmp %q", cmp)
}

func (ctx *execCtx) evalNumeric(expr Expr) (block.Amount, error) {
	v, err := ctx.eval(expr)
	if err != nil {
		return block.Amount{}, err
	}
	return toNumeric(v)
}

func toNumeric(v Value) (block.Amount, error) {
	switch v.T {
	case TypeU64, TypeU256:
		return v.Num, nil
	case TypeString:
		a, err := block.ParseAmount(v.Str)
		if err != nil {
			return block.Amount{}, ErrArithmetic
		}
		return a, nil
	}
	return block.Amount{}, ErrArithmetic
}
