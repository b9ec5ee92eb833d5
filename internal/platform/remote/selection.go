package remote

import (
	"fmt"
	"regexp"
	"strings"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdent reports whether s is a safe table or column identifier.
func ValidIdent(s string) bool { return identRe.MatchString(s) }

// Selection is a parsed column list.
type Selection struct {
	Star      bool
	Columns   []string
	Relations []RelationSelection
}

// RelationSelection expands a related table inside a Selection.
type RelationSelection struct {
	Name string
	Selection
}

// ParseSelection parses a column list such as
// "*, patients(id, first_name), treatments(*)".
func ParseSelection(s string) (Selection, error) {
	p := &selParser{src: s}
	sel, err := p.list()
	if err != nil {
		return Selection{}, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return Selection{}, fmt.Errorf("select %q: unexpected %q at %d", s, p.src[p.pos], p.pos)
	}
	return sel, nil
}

type selParser struct {
	src string
	pos int
}

func (p *selParser) skipSpace() {
	for p.pos < len(p.src) && strings.ContainsRune(" \t\r\n", rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *selParser) list() (Selection, error) {
	var sel Selection
	for {
		p.skipSpace()
		if p.pos < len(p.src) && p.src[p.pos] == '*' {
			p.pos++
			sel.Star = true
		} else {
			name := p.ident()
			if name == "" {
				return sel, fmt.Errorf("select %q: expected column at %d", p.src, p.pos)
			}
			p.skipSpace()
			if p.pos < len(p.src) && p.src[p.pos] == '(' {
				p.pos++
				inner, err := p.list()
				if err != nil {
					return sel, err
				}
				p.skipSpace()
				if p.pos >= len(p.src) || p.src[p.pos] != ')' {
					return sel, fmt.Errorf("select %q: unclosed relation %q", p.src, name)
				}
				p.pos++
				sel.Relations = append(sel.Relations, RelationSelection{Name: name, Selection: inner})
			} else {
				sel.Columns = append(sel.Columns, name)
			}
		}
		p.skipSpace()
		if p.pos < len(p.src) && p.src[p.pos] == ',' {
			p.pos++
			continue
		}
		break
	}
	if !sel.Star && len(sel.Columns) == 0 && len(sel.Relations) == 0 {
		return sel, fmt.Errorf("select %q: empty column list", p.src)
	}
	return sel, nil
}

func (p *selParser) ident() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			p.pos++
			continue
		}
		break
	}
	name := p.src[start:p.pos]
	if !ValidIdent(name) {
		p.pos = start
		return ""
	}
	return name
}
