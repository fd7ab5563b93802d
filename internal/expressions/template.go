package expressions

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/conex/pkg/schema"
)

const maxCachedTemplates = 1024

// Renderer renders {{path}} templates with {{#if}} and {{#each}} blocks.
// Missing variables render as the empty string. Parsed templates are cached
// and safe for concurrent use.
type Renderer struct {
	mu    sync.RWMutex
	cache map[string][]tmplNode
}

// NewRenderer creates a renderer with an empty template cache.
func NewRenderer() *Renderer {
	return &Renderer{cache: make(map[string][]tmplNode)}
}

// Render renders tmpl against data. Only malformed block structure is an
// error; unresolved paths are not.
func (r *Renderer) Render(tmpl string, data map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	nodes, err := r.getOrParse(tmpl)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	renderNodes(&sb, nodes, &scope{root: data})
	return sb.String(), nil
}

// RenderObject renders every string found in v, recursing into maps and
// lists. Non-string leaves are returned unchanged.
func (r *Renderer) RenderObject(v any, data map[string]any) (any, error) {
	switch x := v.(type) {
	case string:
		return r.Render(x, data)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			rendered, err := r.RenderObject(item, data)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case map[string]string:
		out := make(map[string]string, len(x))
		for k, item := range x {
			rendered, err := r.Render(item, data)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			rendered, err := r.RenderObject(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Renderer) getOrParse(tmpl string) ([]tmplNode, error) {
	r.mu.RLock()
	if nodes, ok := r.cache[tmpl]; ok {
		r.mu.RUnlock()
		return nodes, nil
	}
	r.mu.RUnlock()

	nodes, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) >= maxCachedTemplates {
		r.cache = make(map[string][]tmplNode)
	}
	r.cache[tmpl] = nodes
	return nodes, nil
}

// --- AST ---

type tmplNode interface{}

type textNode string

type varNode struct{ path string }

type ifNode struct {
	path      string
	then, alt []tmplNode
}

type eachNode struct {
	path      string
	body, alt []tmplNode
}

type token struct {
	tag  bool
	text string
}

func tokenize(src string) []token {
	var toks []token
	for {
		start := strings.Index(src, "{{")
		if start < 0 {
			break
		}
		open, close := "{{", "}}"
		if strings.HasPrefix(src[start:], "{{{") {
			open, close = "{{{", "}}}"
		}
		end := strings.Index(src[start+len(open):], close)
		if end < 0 {
			// An unterminated tag is literal text.
			break
		}
		if start > 0 {
			toks = append(toks, token{text: src[:start]})
		}
		inner := src[start+len(open) : start+len(open)+end]
		toks = append(toks, token{tag: true, text: strings.TrimSpace(inner)})
		src = src[start+len(open)+end+len(close):]
	}
	if src != "" {
		toks = append(toks, token{text: src})
	}
	return toks
}

type parser struct {
	toks []token
	pos  int
}

func parseTemplate(src string) ([]tmplNode, error) {
	p := &parser{toks: tokenize(src)}
	nodes, stop, err := p.parseList()
	if err != nil {
		return nil, err
	}
	if stop != "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "template: unexpected {{%s}}", stop)
	}
	return nodes, nil
}

// parseList consumes tokens until EOF or a closing/else tag, which is
// returned as stop without being interpreted.
func (p *parser) parseList() (nodes []tmplNode, stop string, err error) {
	for p.pos < len(p.toks) {
		tok := p.toks[p.pos]
		p.pos++
		if !tok.tag {
			nodes = append(nodes, textNode(tok.text))
			continue
		}
		switch {
		case tok.text == "else" || strings.HasPrefix(tok.text, "/"):
			return nodes, tok.text, nil
		case strings.HasPrefix(tok.text, "!"):
			// comment
		case strings.HasPrefix(tok.text, "#if "), strings.HasPrefix(tok.text, "#each "):
			n, err := p.parseBlock(tok.text)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, n)
		case strings.HasPrefix(tok.text, "#"):
			return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "template: unsupported block {{%s}}", tok.text)
		default:
			nodes = append(nodes, varNode{path: tok.text})
		}
	}
	return nodes, "", nil
}

func (p *parser) parseBlock(head string) (tmplNode, error) {
	kind, path, _ := strings.Cut(strings.TrimPrefix(head, "#"), " ")
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "template: {{#%s}} requires a path", kind)
	}

	body, stop, err := p.parseList()
	if err != nil {
		return nil, err
	}
	var alt []tmplNode
	if stop == "else" {
		alt, stop, err = p.parseList()
		if err != nil {
			return nil, err
		}
	}
	switch stop {
	case "/" + kind:
	case "":
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "template: unclosed {{#%s %s}}", kind, path)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"template: {{#%s %s}} closed by {{%s}}", kind, path, stop)
	}

	if kind == "if" {
		return ifNode{path: path, then: body, alt: alt}, nil
	}
	return eachNode{path: path, body: body, alt: alt}, nil
}

// --- rendering ---

type scope struct {
	root   any
	parent *scope
	frame  bool
	this   any
	index  int
	key    string
	first  bool
	last   bool
}

func (s *scope) lookup(path string) Value {
	switch {
	case path == "this" || path == ".":
		if s.frame {
			return Defined(s.this)
		}
		return ResolvePath("", s.root)
	case strings.HasPrefix(path, "this."):
		if s.frame {
			return ResolvePath(path[len("this."):], s.this)
		}
		return ResolvePath(path[len("this."):], s.root)
	case strings.HasPrefix(path, "../"):
		if s.parent != nil {
			return s.parent.lookup(path[len("../"):])
		}
		return ResolvePath(path[len("../"):], s.root)
	case strings.HasPrefix(path, "@"):
		if !s.frame {
			return Undefined
		}
		switch path {
		case "@index":
			return Defined(s.index)
		case "@key":
			return Defined(s.key)
		case "@first":
			return Defined(s.first)
		case "@last":
			return Defined(s.last)
		}
		return Undefined
	}
	if s.frame {
		if v := ResolvePath(path, s.this); v.Defined {
			return v
		}
		// Paths not found on the current item fall back to the enclosing scopes.
		if s.parent != nil {
			return s.parent.lookup(path)
		}
	}
	return ResolvePath(path, s.root)
}

func renderNodes(sb *strings.Builder, nodes []tmplNode, s *scope) {
	for _, n := range nodes {
		switch x := n.(type) {
		case textNode:
			sb.WriteString(string(x))
		case varNode:
			sb.WriteString(s.lookup(x.path).String())
		case ifNode:
			if s.lookup(x.path).Truthy() {
				renderNodes(sb, x.then, s)
			} else {
				renderNodes(sb, x.alt, s)
			}
		case eachNode:
			if !renderEach(sb, x, s) {
				renderNodes(sb, x.alt, s)
			}
		}
	}
}

// renderEach reports whether at least one item was rendered.
func renderEach(sb *strings.Builder, n eachNode, s *scope) bool {
	v := s.lookup(n.path)
	if !v.Defined || v.V == nil {
		return false
	}

	child := func(item any, i, count int, key string) *scope {
		return &scope{root: s.root, parent: s, frame: true, this: item,
			index: i, key: key, first: i == 0, last: i == count-1}
	}

	items := v.V
	if m, ok := items.(map[string]Value); ok {
		items = Plain(m)
	}

	switch items := items.(type) {
	case []any:
		for i, item := range items {
			renderNodes(sb, n.body, child(item, i, len(items), ""))
		}
		return len(items) > 0
	case map[string]any:
		keys := make([]string, 0, len(items))
		for k := range items {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			renderNodes(sb, n.body, child(items[k], i, len(keys), k))
		}
		return len(keys) > 0
	}

	rv := reflect.ValueOf(v.V)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			renderNodes(sb, n.body, child(rv.Index(i).Interface(), i, rv.Len(), ""))
		}
		return rv.Len() > 0
	}
	return false
}
