package manifest

import (
	"fmt"
	"strings"
)

// 模板展开器：支持 {{ .local }}、{{ $remote.path }}、
// {{ if cond }}...{{ else }}...{{ end }} 以及 {{- / -}} 去空白

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeVar
	nodeIf
)

// node 解析树节点，经 next 指针串联
type node struct {
	kind nodeKind
	text string // nodeText
	path string // nodeVar / nodeIf 条件，含 . 或 $ 前缀

	thenClause *node
	elseClause *node

	next *node
}

type token struct {
	isTag bool
	text  string
}

// tokenize 以 {{ / }} 切分模板
func tokenize(tmpl string) ([]token, error) {
	var tokens []token
	rest := tmpl
	for len(rest) > 0 {
		open := strings.Index(rest, "{{")
		if open < 0 {
			tokens = append(tokens, token{text: rest})
			break
		}
		if open > 0 {
			tokens = append(tokens, token{text: rest[:open]})
		}
		rest = rest[open+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated tag")
		}
		tag := rest[:end]
		rest = rest[end+2:]

		// {{- 去除前文尾部空白，-}} 去除后文头部空白
		if strings.HasPrefix(tag, "-") {
			tag = tag[1:]
			if len(tokens) > 0 && !tokens[len(tokens)-1].isTag {
				tokens[len(tokens)-1].text = strings.TrimRight(tokens[len(tokens)-1].text, " \t\r\n")
			}
		}
		trimAfter := false
		if strings.HasSuffix(tag, "-") {
			tag = tag[:len(tag)-1]
			trimAfter = true
		}
		tokens = append(tokens, token{isTag: true, text: strings.TrimSpace(tag)})
		if trimAfter {
			rest = strings.TrimLeft(rest, " \t\r\n")
		}
	}
	return tokens, nil
}

// parseSequence 解析节点链，直到遇到 else/end 或输入耗尽
func parseSequence(tokens []token, pos int, inIf bool) (*node, int, string, error) {
	var head, tail *node
	appendNode := func(n *node) {
		if head == nil {
			head = n
			tail = n
		} else {
			tail.next = n
			tail = n
		}
	}

	for pos < len(tokens) {
		tok := tokens[pos]
		if !tok.isTag {
			appendNode(&node{kind: nodeText, text: tok.text})
			pos++
			continue
		}

		switch {
		case tok.text == "end" || tok.text == "else":
			if !inIf {
				return nil, pos, "", fmt.Errorf("%q without matching if", tok.text)
			}
			return head, pos + 1, tok.text, nil

		case strings.HasPrefix(tok.text, "if "):
			cond := strings.TrimSpace(strings.TrimPrefix(tok.text, "if "))
			thenClause, next, closer, err := parseSequence(tokens, pos+1, true)
			if err != nil {
				return nil, pos, "", err
			}
			ifNode := &node{kind: nodeIf, path: cond, thenClause: thenClause}
			if closer == "else" {
				elseClause, afterElse, closer2, err := parseSequence(tokens, next, true)
				if err != nil {
					return nil, pos, "", err
				}
				if closer2 != "end" {
					return nil, pos, "", fmt.Errorf("unclosed else clause")
				}
				ifNode.elseClause = elseClause
				next = afterElse
			}
			appendNode(ifNode)
			pos = next

		default:
			appendNode(&node{kind: nodeVar, path: tok.text})
			pos++
		}
	}

	if inIf {
		return nil, pos, "", fmt.Errorf("unclosed if clause")
	}
	return head, pos, "", nil
}

// Scope 展开作用域
type Scope struct {
	Local  map[string]any // {{ .name }}
	Remote map[string]any // {{ $a.b.c }}
}

// lookup 解析变量路径，ok=false 表示不可解析
func (s *Scope) lookup(path string) (any, bool) {
	switch {
	case strings.HasPrefix(path, "."):
		v, ok := s.Local[path[1:]]
		return v, ok
	case strings.HasPrefix(path, "$"):
		parts := strings.Split(path[1:], ".")
		var cur any = s.Remote
		for _, part := range parts {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[part]
			if !ok {
				return nil, false
			}
		}
		return cur, true
	default:
		return nil, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// Expand 展开模板。无法解析的路径记入 unresolvable 并渲染为 undefined
func Expand(tmpl string, local, remote map[string]any, unresolvable map[string]bool) (string, error) {
	tokens, err := tokenize(tmpl)
	if err != nil {
		return "", fmt.Errorf("tokenizing template: %w", err)
	}
	root, _, _, err := parseSequence(tokens, 0, false)
	if err != nil {
		return "", fmt.Errorf("parsing template: %w", err)
	}

	scope := &Scope{Local: local, Remote: remote}
	var sb strings.Builder
	expandChain(root, scope, unresolvable, &sb)
	return sb.String(), nil
}

func expandChain(n *node, scope *Scope, unresolvable map[string]bool, sb *strings.Builder) {
	for ; n != nil; n = n.next {
		switch n.kind {
		case nodeText:
			sb.WriteString(n.text)
		case nodeVar:
			v, ok := scope.lookup(n.path)
			if !ok {
				if unresolvable != nil {
					unresolvable[n.path] = true
				}
				sb.WriteString("undefined")
				continue
			}
			sb.WriteString(scalarString(v))
		case nodeIf:
			v, ok := scope.lookup(n.path)
			if !ok {
				if unresolvable != nil {
					unresolvable[n.path] = true
				}
			}
			if ok && truthy(v) {
				expandChain(n.thenClause, scope, unresolvable, sb)
			} else if n.elseClause != nil {
				expandChain(n.elseClause, scope, unresolvable, sb)
			}
		}
	}
}
