package script

import (
	"fmt"
	"math"

	"github.com/parietal-data/decode.stream/internal/neuro"
)

// runEnv is the evaluation context for one decode attempt.
type runEnv struct {
	input  *neuro.DecoderInput
	locals []float64
}

type expr interface {
	eval(env *runEnv) (float64, error)
}

type numberLit float64

func (n numberLit) eval(*runEnv) (float64, error) { return float64(n), nil }

// localRef reads a previously assigned local by slot.
type localRef struct {
	name string
	slot int
}

func (r localRef) eval(env *runEnv) (float64, error) {
	return env.locals[r.slot], nil
}

// builtinRef reads one of the fixed scalar inputs (nfeatures, hlen).
type builtinRef struct {
	name string
}

func (r builtinRef) eval(env *runEnv) (float64, error) {
	switch r.name {
	case "nfeatures":
		return float64(len(env.input.Features)), nil
	case "hlen":
		return float64(len(env.input.History)), nil
	}
	return 0, fmt.Errorf("unknown builtin %q", r.name)
}

// memberRef reads a field of ref (reference kinematics) or prev (most
// recent history entry; zeros when history is empty).
type memberRef struct {
	base  string
	field string
}

func (r memberRef) eval(env *runEnv) (float64, error) {
	var st neuro.KinematicState
	switch r.base {
	case "ref":
		st = env.input.Reference
	case "prev":
		if n := len(env.input.History); n > 0 {
			last := env.input.History[n-1]
			st = neuro.KinematicState{X: last.X, Y: last.Y, VX: last.VX, VY: last.VY}
		}
	}
	switch r.field {
	case "x":
		return st.X, nil
	case "y":
		return st.Y, nil
	case "vx":
		return st.VX, nil
	case "vy":
		return st.VY, nil
	}
	return 0, fmt.Errorf("unknown field %s.%s", r.base, r.field)
}

// indexExpr reads features[i].
type indexExpr struct {
	index expr
}

func (e indexExpr) eval(env *runEnv) (float64, error) {
	iv, err := e.index.eval(env)
	if err != nil {
		return 0, err
	}
	i := int(iv)
	if i < 0 || i >= len(env.input.Features) {
		return 0, fmt.Errorf("feature index %d out of range (have %d channels)", i, len(env.input.Features))
	}
	return env.input.Features[i], nil
}

type unaryExpr struct {
	op      tokenType
	operand expr
}

func (e unaryExpr) eval(env *runEnv) (float64, error) {
	v, err := e.operand.eval(env)
	if err != nil {
		return 0, err
	}
	switch e.op {
	case tokMinus:
		return -v, nil
	case tokNot:
		return boolToFloat(v == 0), nil
	}
	return 0, fmt.Errorf("unknown unary operator")
}

type binaryExpr struct {
	op       tokenType
	lhs, rhs expr
}

func (e binaryExpr) eval(env *runEnv) (float64, error) {
	l, err := e.lhs.eval(env)
	if err != nil {
		return 0, err
	}
	// Short-circuit logical operators.
	switch e.op {
	case tokAnd:
		if l == 0 {
			return 0, nil
		}
		r, err := e.rhs.eval(env)
		if err != nil {
			return 0, err
		}
		return boolToFloat(r != 0), nil
	case tokOr:
		if l != 0 {
			return 1, nil
		}
		r, err := e.rhs.eval(env)
		if err != nil {
			return 0, err
		}
		return boolToFloat(r != 0), nil
	}

	r, err := e.rhs.eval(env)
	if err != nil {
		return 0, err
	}
	switch e.op {
	case tokPlus:
		return l + r, nil
	case tokMinus:
		return l - r, nil
	case tokStar:
		return l * r, nil
	case tokSlash:
		// IEEE semantics: division by zero yields ±Inf, which the
		// scheduler's output validation rejects downstream.
		return l / r, nil
	case tokPercent:
		return math.Mod(l, r), nil
	case tokLess:
		return boolToFloat(l < r), nil
	case tokLessEq:
		return boolToFloat(l <= r), nil
	case tokGreater:
		return boolToFloat(l > r), nil
	case tokGreaterEq:
		return boolToFloat(l >= r), nil
	case tokEq:
		return boolToFloat(l == r), nil
	case tokNotEq:
		return boolToFloat(l != r), nil
	}
	return 0, fmt.Errorf("unknown binary operator")
}

type condExpr struct {
	cond, then, els expr
}

func (e condExpr) eval(env *runEnv) (float64, error) {
	c, err := e.cond.eval(env)
	if err != nil {
		return 0, err
	}
	if c != 0 {
		return e.then.eval(env)
	}
	return e.els.eval(env)
}

type callExpr struct {
	fn   string
	args []expr
}

func (e callExpr) eval(env *runEnv) (float64, error) {
	vals := make([]float64, len(e.args))
	for i, a := range e.args {
		v, err := a.eval(env)
		if err != nil {
			return 0, err
		}
		vals[i] = v
	}
	return callBuiltin(e.fn, vals, env)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// builtinArity maps function names to required argument counts, checked
// at compile time so a bad call fails at activation rather than on the
// first packet.
var builtinArity = map[string]int{
	"abs": 1, "sqrt": 1, "exp": 1, "log": 1, "tanh": 1,
	"sin": 1, "cos": 1, "floor": 1, "round": 1, "sign": 1,
	"min": 2, "max": 2, "pow": 2, "clamp": 3,
	"fmean": 0, "fsum": 0, "fmin": 0, "fmax": 0,
	"histx": 1, "histy": 1, "histvx": 1, "histvy": 1,
}

func callBuiltin(fn string, args []float64, env *runEnv) (float64, error) {
	switch fn {
	case "abs":
		return math.Abs(args[0]), nil
	case "sqrt":
		return math.Sqrt(args[0]), nil
	case "exp":
		return math.Exp(args[0]), nil
	case "log":
		return math.Log(args[0]), nil
	case "tanh":
		return math.Tanh(args[0]), nil
	case "sin":
		return math.Sin(args[0]), nil
	case "cos":
		return math.Cos(args[0]), nil
	case "floor":
		return math.Floor(args[0]), nil
	case "round":
		return math.Round(args[0]), nil
	case "sign":
		switch {
		case args[0] > 0:
			return 1, nil
		case args[0] < 0:
			return -1, nil
		}
		return 0, nil
	case "min":
		return math.Min(args[0], args[1]), nil
	case "max":
		return math.Max(args[0], args[1]), nil
	case "pow":
		return math.Pow(args[0], args[1]), nil
	case "clamp":
		return math.Min(math.Max(args[0], args[1]), args[2]), nil
	case "fmean":
		if len(env.input.Features) == 0 {
			return 0, nil
		}
		var sum float64
		for _, f := range env.input.Features {
			sum += f
		}
		return sum / float64(len(env.input.Features)), nil
	case "fsum":
		var sum float64
		for _, f := range env.input.Features {
			sum += f
		}
		return sum, nil
	case "fmin":
		if len(env.input.Features) == 0 {
			return 0, nil
		}
		m := env.input.Features[0]
		for _, f := range env.input.Features[1:] {
			m = math.Min(m, f)
		}
		return m, nil
	case "fmax":
		if len(env.input.Features) == 0 {
			return 0, nil
		}
		m := env.input.Features[0]
		for _, f := range env.input.Features[1:] {
			m = math.Max(m, f)
		}
		return m, nil
	case "histx", "histy", "histvx", "histvy":
		// histx(1) is the most recent output; beyond range reads zero.
		n := int(args[0])
		h := env.input.History
		if n < 1 || n > len(h) {
			return 0, nil
		}
		out := h[len(h)-n]
		switch fn {
		case "histx":
			return out.X, nil
		case "histy":
			return out.Y, nil
		case "histvx":
			return out.VX, nil
		default:
			return out.VY, nil
		}
	}
	return 0, fmt.Errorf("unknown function %q", fn)
}
