// Package script compiles scripted decoder source into executable
// programs. The language is a deliberately small expression language —
// assignments, arithmetic, conditionals, and a fixed set of math
// builtins over the decoder input — so user code cannot block, allocate
// unboundedly, or reach outside its input. Compilation is fail-fast:
// every name and call is resolved before the first packet runs.
//
// A program is a sequence of `name = expression` statements. It must
// assign x and y (the decoded position); vx, vy, and confidence are
// optional outputs; any other name is a scratch variable. Inputs are
// features[i], nfeatures, ref.{x,y,vx,vy}, prev.{x,y,vx,vy}, hlen, and
// the hist* accessors into the rolling output history.
package script

import (
	"fmt"

	"github.com/parietal-data/decode.stream/internal/neuro"
)

type stmt struct {
	name string
	slot int
	rhs  expr
}

// Program is a compiled scripted decoder. Programs are immutable and
// safe for concurrent use; each Run gets its own scratch slots.
type Program struct {
	stmts  []stmt
	nSlots int

	// output slots; -1 when the program does not assign them
	slotX, slotY, slotVX, slotVY, slotConf int
}

// Result is the value produced by one program run.
type Result struct {
	X, Y       float64
	VX, VY     float64
	Confidence float64

	HasVX, HasVY, HasConfidence bool
}

// Compile parses and resolves decoder source. Errors carry source
// positions and are returned immediately so activation can be rejected
// up front.
func Compile(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks, locals: make(map[string]int)}
	var stmts []stmt
	for p.peek().typ != tokEOF {
		s, err := p.statement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
	}

	prog := &Program{
		stmts:    stmts,
		nSlots:   p.nSlots,
		slotX:    -1,
		slotY:    -1,
		slotVX:   -1,
		slotVY:   -1,
		slotConf: -1,
	}
	for _, s := range stmts {
		switch s.name {
		case "x":
			prog.slotX = s.slot
		case "y":
			prog.slotY = s.slot
		case "vx":
			prog.slotVX = s.slot
		case "vy":
			prog.slotVY = s.slot
		case "confidence":
			prog.slotConf = s.slot
		}
	}
	if prog.slotX < 0 || prog.slotY < 0 {
		return nil, fmt.Errorf("program must assign both x and y")
	}
	return prog, nil
}

// Run executes the program against one decoder input.
func (p *Program) Run(input *neuro.DecoderInput) (Result, error) {
	env := &runEnv{input: input, locals: make([]float64, p.nSlots)}
	for _, s := range p.stmts {
		v, err := s.rhs.eval(env)
		if err != nil {
			return Result{}, fmt.Errorf("evaluating %s: %w", s.name, err)
		}
		env.locals[s.slot] = v
	}

	res := Result{
		X: env.locals[p.slotX],
		Y: env.locals[p.slotY],
	}
	if p.slotVX >= 0 {
		res.VX = env.locals[p.slotVX]
		res.HasVX = true
	}
	if p.slotVY >= 0 {
		res.VY = env.locals[p.slotVY]
		res.HasVY = true
	}
	if p.slotConf >= 0 {
		res.Confidence = env.locals[p.slotConf]
		res.HasConfidence = true
	}
	return res, nil
}
