// Package shell analyzes Bash commands with a real shell parser so rules can
// reason about programs and arguments instead of raw text.
package shell

import (
	"errors"
	"path"
	"strings"

	"github.com/dgerlanc/tokenguard/internal/patterns"
	"mvdan.cc/sh/v3/syntax"
)

// ErrUnparseable is returned when a command cannot be parsed.
var ErrUnparseable = errors.New("unparseable command")

var wrapperPatterns = patterns.Wrappers()

// Segment is one simple command of a script.
type Segment struct {
	Text     string   // printed command
	Args     []string // words, with literal quoting removed
	Core     []string // Args after wrapper prefixes are stripped
	Wrappers []string // names of stripped wrappers

	Upstream   []string // programs piping into this one
	Downstream []string // programs this one pipes into

	Expansion bool // parameter, arithmetic, command or process substitution
	Glob      bool // unquoted glob or brace pattern
	Redirect  bool
	Assign    bool // carries variable assignments, as in FOO=bar cmd
	Depth     int  // nesting level inside substitutions; 0 is top level
}

// Program returns the program the segment runs, after wrappers.
func (s Segment) Program() string {
	if len(s.Core) == 0 {
		return ""
	}
	return s.Core[0]
}

// Name returns the base name of Program.
func (s Segment) Name() string {
	p := s.Program()
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// Params returns the arguments after the program.
func (s Segment) Params() []string {
	if len(s.Core) < 2 {
		return nil
	}
	return s.Core[1:]
}

// Script is a parsed command line.
type Script struct {
	Raw      string
	Masked   string // Raw with quoted heredoc bodies blanked
	Segments []Segment
}

// Parse analyzes cmd. On a syntax error it returns ErrUnparseable; callers
// fall back to raw-text matching.
func Parse(cmd string) (*Script, error) {
	script := &Script{Raw: cmd, Masked: cmd}
	if strings.TrimSpace(cmd) == "" {
		return script, nil
	}

	prog, err := syntax.NewParser().Parse(strings.NewReader(cmd), "")
	if err != nil {
		return nil, ErrUnparseable
	}

	script.Masked = maskRanges(cmd, quotedHeredocRanges(prog, len(cmd)))

	w := &walker{printer: syntax.NewPrinter()}
	w.stmts(prog.Stmts)
	script.Segments = w.segs
	return script, nil
}

// Simple reports whether the script is exactly one plain command.
func (s *Script) Simple() bool {
	return len(s.Segments) == 1 && len(s.Segments[0].Upstream) == 0 && len(s.Segments[0].Downstream) == 0
}

// Any reports whether fn holds for any segment.
func (s *Script) Any(fn func(Segment) bool) bool {
	for _, seg := range s.Segments {
		if fn(seg) {
			return true
		}
	}
	return false
}

type walker struct {
	printer *syntax.Printer
	segs    []Segment
	depth   int
}

func (w *walker) stmts(stmts []*syntax.Stmt) {
	for _, st := range stmts {
		w.stmt(st)
	}
}

func (w *walker) stmt(st *syntax.Stmt) {
	if st == nil {
		return
	}
	lo := len(w.segs)
	w.command(st.Cmd)
	if len(st.Redirs) > 0 {
		for i := lo; i < len(w.segs); i++ {
			if w.segs[i].Depth == w.depth {
				w.segs[i].Redirect = true
			}
		}
		for _, r := range st.Redirs {
			if r.Word != nil && w.substitutions(r.Word) {
				w.markExpansion(lo)
			}
			if r.Hdoc != nil && w.substitutions(r.Hdoc) {
				w.markExpansion(lo)
			}
		}
	}
}

func (w *walker) markExpansion(lo int) {
	for i := lo; i < len(w.segs); i++ {
		if w.segs[i].Depth == w.depth {
			w.segs[i].Expansion = true
		}
	}
}

// command extracts simple commands from a shell AST node.
func (w *walker) command(node syntax.Command) {
	if node == nil {
		return
	}

	switch cmd := node.(type) {
	case *syntax.CallExpr:
		w.call(cmd)

	case *syntax.BinaryCmd:
		lo := len(w.segs)
		w.stmt(cmd.X)
		mid := len(w.segs)
		w.stmt(cmd.Y)
		if cmd.Op == syntax.Pipe || cmd.Op == syntax.PipeAll {
			w.link(lo, mid, len(w.segs))
		}

	case *syntax.Subshell:
		w.stmts(cmd.Stmts)

	case *syntax.Block:
		w.stmts(cmd.Stmts)

	case *syntax.IfClause:
		for clause := cmd; clause != nil; clause = clause.Else {
			w.stmts(clause.Cond)
			w.stmts(clause.Then)
		}

	case *syntax.WhileClause:
		w.stmts(cmd.Cond)
		w.stmts(cmd.Do)

	case *syntax.ForClause:
		w.stmts(cmd.Do)

	case *syntax.CaseClause:
		for _, item := range cmd.Items {
			w.stmts(item.Stmts)
		}

	case *syntax.TimeClause:
		w.stmt(cmd.Stmt)

	case *syntax.CoprocClause:
		w.stmt(cmd.Stmt)

	case *syntax.FuncDecl:
		w.stmt(cmd.Body)

	case *syntax.ArithmCmd, *syntax.LetClause:
		seg := w.opaque(cmd)
		seg.Expansion = true
		w.add(seg)

	default:
		w.add(w.opaque(cmd))
	}
}

// link records pipeline neighbours between segs[lo:mid] and segs[mid:hi].
func (w *walker) link(lo, mid, hi int) {
	left := w.programs(lo, mid)
	right := w.programs(mid, hi)
	for i := lo; i < mid; i++ {
		if w.segs[i].Depth == w.depth {
			w.segs[i].Downstream = append(w.segs[i].Downstream, right...)
		}
	}
	for i := mid; i < hi; i++ {
		if w.segs[i].Depth == w.depth {
			w.segs[i].Upstream = append(w.segs[i].Upstream, left...)
		}
	}
}

func (w *walker) programs(lo, hi int) []string {
	var out []string
	for i := lo; i < hi; i++ {
		if w.segs[i].Depth == w.depth {
			if name := w.segs[i].Name(); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func (w *walker) add(seg Segment) {
	seg.Depth = w.depth
	w.segs = append(w.segs, seg)
}

func (w *walker) call(cmd *syntax.CallExpr) {
	idx := len(w.segs)
	if len(cmd.Args) > 0 {
		seg := Segment{Text: w.print(cmd)}
		for _, word := range cmd.Args {
			seg.Args = append(seg.Args, w.wordText(word))
			exp, glob := scanWord(word)
			seg.Expansion = seg.Expansion || exp
			seg.Glob = seg.Glob || glob
		}
		seg.Core, seg.Wrappers = stripWrappers(seg.Args)
		seg.Assign = len(cmd.Assigns) > 0
		w.add(seg)
	}

	var nested bool
	for _, as := range cmd.Assigns {
		if as.Value != nil && w.substitutions(as.Value) {
			nested = true
		}
		if as.Value != nil {
			if exp, _ := scanWord(as.Value); exp {
				nested = true
			}
		}
	}
	for _, word := range cmd.Args {
		if w.substitutions(word) {
			nested = true
		}
	}
	if nested && len(cmd.Args) > 0 {
		w.segs[idx].Expansion = true
	}
}

// opaque turns a compound keyword command into a segment.
func (w *walker) opaque(node syntax.Node) Segment {
	text := w.print(node)
	seg := Segment{Text: text, Args: strings.Fields(text)}
	seg.Core = seg.Args
	syntax.Walk(node, func(n syntax.Node) bool {
		switch x := n.(type) {
		case *syntax.ParamExp, *syntax.ArithmExp:
			seg.Expansion = true
		case *syntax.CmdSubst, *syntax.ProcSubst:
			seg.Expansion = true
			w.descend(x)
			return false
		}
		return true
	})
	return seg
}

// substitutions descends into every command or process substitution in
// node. It reports whether any was found.
func (w *walker) substitutions(node syntax.Node) bool {
	found := false
	syntax.Walk(node, func(n syntax.Node) bool {
		switch n.(type) {
		case *syntax.CmdSubst, *syntax.ProcSubst:
			found = true
			w.descend(n)
			return false
		}
		return true
	})
	return found
}

func (w *walker) descend(n syntax.Node) {
	w.depth++
	defer func() { w.depth-- }()
	switch x := n.(type) {
	case *syntax.CmdSubst:
		w.stmts(x.Stmts)
	case *syntax.ProcSubst:
		w.stmts(x.Stmts)
	}
}

func (w *walker) print(node syntax.Node) string {
	var buf strings.Builder
	if err := w.printer.Print(&buf, node); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}

// wordText returns the word with literal quoting removed. Parts that expand
// at runtime keep their printed form.
func (w *walker) wordText(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		w.partText(&sb, part)
	}
	return sb.String()
}

func (w *walker) partText(sb *strings.Builder, part syntax.WordPart) {
	switch p := part.(type) {
	case *syntax.Lit:
		sb.WriteString(unescape(p.Value))
	case *syntax.SglQuoted:
		sb.WriteString(p.Value)
	case *syntax.DblQuoted:
		for _, inner := range p.Parts {
			w.partText(sb, inner)
		}
	default:
		sb.WriteString(w.print(p))
	}
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// scanWord reports whether word expands at runtime and whether it carries
// an unquoted glob.
func scanWord(word *syntax.Word) (expansion, glob bool) {
	for _, part := range word.Parts {
		e, g := scanPart(part, false)
		expansion = expansion || e
		glob = glob || g
	}
	return expansion, glob
}

func scanPart(part syntax.WordPart, quoted bool) (expansion, glob bool) {
	switch p := part.(type) {
	case *syntax.Lit:
		if !quoted && hasGlobMeta(p.Value) {
			glob = true
		}
	case *syntax.DblQuoted:
		for _, inner := range p.Parts {
			e, _ := scanPart(inner, true)
			expansion = expansion || e
		}
	case *syntax.ParamExp, *syntax.CmdSubst, *syntax.ProcSubst, *syntax.ArithmExp:
		expansion = true
	case *syntax.ExtGlob, *syntax.BraceExp:
		glob = true
	}
	return expansion, glob
}

func hasGlobMeta(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// stripWrappers removes wrapper prefixes from argv.
func stripWrappers(args []string) ([]string, []string) {
	if len(args) == 0 {
		return nil, nil
	}
	// Arguments with inner whitespace are joined with a placeholder so the
	// wrapper patterns see one token per argument.
	tokens := make([]string, len(args))
	for i, a := range args {
		tokens[i] = strings.Map(func(r rune) rune {
			if r == ' ' || r == '\t' || r == '\n' {
				return 0
			}
			return r
		}, a)
	}
	joined := strings.Join(tokens, " ")
	core, wrappers := patterns.StripWrappers(joined, wrapperPatterns)
	if len(wrappers) == 0 {
		return args, nil
	}

	consumed := len(joined) - len(core)
	n, pos := 0, 0
	for n < len(args) && pos < consumed {
		pos += len(tokens[n]) + 1
		n++
	}
	return args[n:], wrappers
}
