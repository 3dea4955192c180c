package compiler

import "fmt"

// ---------------------------------------------------------------------------
// Token types for the assembler lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError
	TokenNewline

	// Literals
	TokenInteger    // 42, -1, 0x7F
	TokenString     // "hello\n"
	TokenIdentifier // ldstr, Program, <Module>, .cctor, resource.Open

	// Delimiters
	TokenLParen      // (
	TokenRParen      // )
	TokenComma       // ,
	TokenColon       // :
	TokenDoubleColon // ::
)

var tokenNames = map[TokenType]string{
	TokenEOF:         "EOF",
	TokenError:       "ERROR",
	TokenNewline:     "NEWLINE",
	TokenInteger:     "INTEGER",
	TokenString:      "STRING",
	TokenIdentifier:  "IDENTIFIER",
	TokenLParen:      "(",
	TokenRParen:      ")",
	TokenComma:       ",",
	TokenColon:       ":",
	TokenDoubleColon: "::",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string   // the raw text; decoded contents for strings
	Pos     Position // start position
}

func (t Token) String() string {
	if t.Type == TokenEOF {
		return "EOF"
	}
	if t.Type == TokenError {
		return fmt.Sprintf("ERROR(%s)", t.Literal)
	}
	if len(t.Literal) > 20 {
		return fmt.Sprintf("%s(%q...)", t.Type, t.Literal[:20])
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}
