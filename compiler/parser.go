package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/litweave/pkg/module"
)

// ---------------------------------------------------------------------------
// Parser: Line-oriented parser for LWBC assembler source
// ---------------------------------------------------------------------------

// Parser parses assembler source into a File.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
	errors    []string
}

// NewParser creates a new parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{
		lexer: NewLexer(input),
	}
	// Read two tokens to fill curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

// curTokenIs checks if the current token is of the given type.
func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

// peekTokenIs checks if the peek token is of the given type.
func (p *Parser) peekTokenIs(t TokenType) bool {
	return p.peekToken.Type == t
}

// expect advances if the current token matches, otherwise records an error.
func (p *Parser) expect(t TokenType) bool {
	if p.curTokenIs(t) {
		p.nextToken()
		return true
	}
	p.errorf("expected %s, got %s", t, p.curToken)
	return false
}

// errorf records a parse error.
func (p *Parser) errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf("line %d: %s", p.curToken.Pos.Line, fmt.Sprintf(format, args...))
	p.errors = append(p.errors, msg)
}

// Errors returns accumulated parse errors.
func (p *Parser) Errors() []string {
	return p.errors
}

// skipLine discards tokens up to and including the next newline.
func (p *Parser) skipLine() {
	for !p.curTokenIs(TokenNewline) && !p.curTokenIs(TokenEOF) {
		p.nextToken()
	}
	if p.curTokenIs(TokenNewline) {
		p.nextToken()
	}
}

// endLine requires the current line to be finished.
func (p *Parser) endLine() {
	switch p.curToken.Type {
	case TokenNewline:
		p.nextToken()
	case TokenEOF:
	default:
		p.errorf("unexpected %s at end of line", p.curToken)
		p.skipLine()
	}
}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

// ParseFile parses a whole source file.
func (p *Parser) ParseFile() *File {
	f := &File{}
	var cur *TypeDecl

	owner := func() *TypeDecl {
		if cur == nil {
			cur = f.typeDecl(module.RootTypeName, p.curToken.Pos)
		}
		return cur
	}

	for !p.curTokenIs(TokenEOF) {
		if p.curTokenIs(TokenNewline) {
			p.nextToken()
			continue
		}
		if !p.curTokenIs(TokenIdentifier) {
			p.errorf("expected declaration, got %s", p.curToken)
			p.skipLine()
			continue
		}

		switch p.curToken.Literal {
		case "module":
			p.nextToken()
			f.Module = p.parseName()
			p.endLine()
		case "import":
			if d := p.parseImport(); d != nil {
				f.Imports = append(f.Imports, d)
			}
		case "resource":
			if d := p.parseResource(); d != nil {
				f.Resources = append(f.Resources, d)
			}
		case "type":
			pos := p.curToken.Pos
			p.nextToken()
			name := p.parseName()
			p.endLine()
			if name != "" {
				cur = f.typeDecl(name, pos)
			}
		case "field":
			t := owner()
			if d := p.parseField(); d != nil {
				t.Fields = append(t.Fields, d)
			}
		case "method":
			t := owner()
			if d := p.parseMethod(); d != nil {
				t.Methods = append(t.Methods, d)
			}
		default:
			p.errorf("unknown declaration %q", p.curToken.Literal)
			p.skipLine()
		}
	}

	return f
}

// typeDecl returns the declaration for name, creating it on first use.
func (f *File) typeDecl(name string, pos Position) *TypeDecl {
	for _, t := range f.Types {
		if t.Name == name {
			return t
		}
	}
	t := &TypeDecl{Pos: pos, Name: name}
	f.Types = append(f.Types, t)
	return t
}

// parseName reads an identifier or quoted string.
func (p *Parser) parseName() string {
	if p.curTokenIs(TokenIdentifier) || p.curTokenIs(TokenString) {
		name := p.curToken.Literal
		p.nextToken()
		return name
	}
	p.errorf("expected name, got %s", p.curToken)
	return ""
}

// parseModifiers consumes static/private/public and reports privacy.
func (p *Parser) parseModifiers() bool {
	private := false
	for p.curTokenIs(TokenIdentifier) {
		switch p.curToken.Literal {
		case "static", "public":
		case "private":
			private = true
		default:
			return private
		}
		p.nextToken()
	}
	return private
}

func (p *Parser) parseImport() *ImportDecl {
	d := &ImportDecl{Pos: p.curToken.Pos}
	p.nextToken()
	if d.Name = p.parseName(); d.Name == "" {
		p.skipLine()
		return nil
	}
	if p.curTokenIs(TokenLParen) {
		d.HasSig = true
		p.nextToken()
		for _, v := range p.parseVarList() {
			d.Params = append(d.Params, v.Type)
		}
		if !p.expect(TokenRParen) {
			p.skipLine()
			return nil
		}
		d.Returns = "void"
		if p.curTokenIs(TokenIdentifier) {
			d.Returns = p.curToken.Literal
			p.nextToken()
		}
	}
	p.endLine()
	return d
}

func (p *Parser) parseResource() *ResourceDecl {
	d := &ResourceDecl{Pos: p.curToken.Pos}
	p.nextToken()
	if d.Name = p.parseName(); d.Name == "" {
		p.skipLine()
		return nil
	}
	d.Private = p.parseModifiers()
	if !p.curTokenIs(TokenString) {
		p.errorf("resource %s: expected string contents, got %s", d.Name, p.curToken)
		p.skipLine()
		return nil
	}
	d.Data = p.curToken.Literal
	p.nextToken()
	p.endLine()
	return d
}

func (p *Parser) parseField() *FieldDecl {
	d := &FieldDecl{Pos: p.curToken.Pos}
	p.nextToken()
	d.Private = p.parseModifiers()
	if !p.curTokenIs(TokenIdentifier) || !p.peekTokenIs(TokenIdentifier) {
		p.errorf("field: expected type and name")
		p.skipLine()
		return nil
	}
	d.Type = p.curToken.Literal
	p.nextToken()
	d.Name = p.curToken.Literal
	p.nextToken()
	p.endLine()
	return d
}

// parseVarList parses "type [name], ..." until a token that is not an
// identifier.
func (p *Parser) parseVarList() []VarDecl {
	var vars []VarDecl
	for p.curTokenIs(TokenIdentifier) {
		v := VarDecl{Type: p.curToken.Literal}
		p.nextToken()
		if p.curTokenIs(TokenIdentifier) {
			v.Name = p.curToken.Literal
			p.nextToken()
		}
		vars = append(vars, v)
		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken()
	}
	return vars
}

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

func (p *Parser) parseMethod() *MethodDecl {
	m := &MethodDecl{Pos: p.curToken.Pos}
	p.nextToken()
	m.Private = p.parseModifiers()
	if m.Name = p.parseName(); m.Name == "" {
		p.skipLine()
		return nil
	}
	if !p.expect(TokenLParen) {
		p.skipLine()
		return nil
	}
	m.Params = p.parseVarList()
	if !p.expect(TokenRParen) {
		p.skipLine()
		return nil
	}
	m.Returns = "void"
	if p.curTokenIs(TokenIdentifier) {
		m.Returns = p.curToken.Literal
		p.nextToken()
	}
	p.endLine()

	for {
		switch p.curToken.Type {
		case TokenEOF:
			p.errorf("method %s: missing end", m.Name)
			return m
		case TokenNewline:
			p.nextToken()
			continue
		case TokenIdentifier:
		default:
			p.errorf("expected instruction, got %s", p.curToken)
			p.skipLine()
			continue
		}

		pos := p.curToken.Pos
		lit := p.curToken.Literal

		if p.peekTokenIs(TokenColon) {
			m.Lines = append(m.Lines, &Line{Pos: pos, Kind: LineLabel, Label: lit})
			p.nextToken()
			p.nextToken()
			continue
		}

		switch lit {
		case "end":
			p.nextToken()
			p.endLine()
			return m
		case ".locals":
			p.nextToken()
			m.Locals = append(m.Locals, p.parseVarList()...)
			p.endLine()
		case ".noinit":
			m.NoInit = true
			p.nextToken()
			p.endLine()
		case ".try", ".finally", ".catch", ".end":
			m.Lines = append(m.Lines, &Line{Pos: pos, Kind: regionKinds[lit]})
			p.nextToken()
			p.endLine()
		default:
			if strings.HasPrefix(lit, ".") {
				p.errorf("unknown directive %s", lit)
				p.skipLine()
				continue
			}
			line := &Line{Pos: pos, Kind: LineInstr, Mnemonic: lit}
			p.nextToken()
			if !p.curTokenIs(TokenNewline) && !p.curTokenIs(TokenEOF) {
				line.Operand = p.parseOperand()
			}
			m.Lines = append(m.Lines, line)
			p.endLine()
		}
	}
}

var regionKinds = map[string]LineKind{
	".try":     LineTry,
	".finally": LineFinally,
	".catch":   LineCatch,
	".end":     LineEnd,
}

func (p *Parser) parseOperand() *Operand {
	tok := p.curToken
	switch tok.Type {
	case TokenInteger:
		p.nextToken()
		v, err := strconv.ParseInt(tok.Literal, 0, 64)
		if err != nil {
			p.errorf("bad integer %s", tok.Literal)
			return nil
		}
		return &Operand{Kind: OperandInt, Int: v}

	case TokenString:
		p.nextToken()
		return &Operand{Kind: OperandString, Text: tok.Literal}

	case TokenIdentifier:
		p.nextToken()
		if !p.curTokenIs(TokenDoubleColon) {
			return &Operand{Kind: OperandName, Text: tok.Literal}
		}
		p.nextToken()
		if !p.curTokenIs(TokenIdentifier) {
			p.errorf("expected member name after %s::", tok.Literal)
			return nil
		}
		name := p.curToken.Literal
		p.nextToken()
		return &Operand{Kind: OperandMember, Owner: tok.Literal, Text: name}

	case TokenError:
		p.errorf("%s", tok.Literal)
		p.nextToken()
		return nil
	}

	p.errorf("bad operand %s", tok)
	p.nextToken()
	return nil
}
