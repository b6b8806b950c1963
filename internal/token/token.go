package token

// Kind identifies the lexical class of a Token (spec.md §3 Token).
type Kind int

const (
	Invalid Kind = iota
	Identifier
	Keyword
	Variable
	String
	Number
	Boolean
	Operator
	Comma
	RoundBracket
	CurlyBracket
	SquareBracket
	Function
	EndOfFile
)

func (k Kind) String() string {
	switch k {
	case Identifier:
		return "identifier"
	case Keyword:
		return "keyword"
	case Variable:
		return "variable"
	case String:
		return "string"
	case Number:
		return "number"
	case Boolean:
		return "boolean"
	case Operator:
		return "operator"
	case Comma:
		return "comma"
	case RoundBracket:
		return "round-bracket"
	case CurlyBracket:
		return "curly-bracket"
	case SquareBracket:
		return "square-bracket"
	case Function:
		return "function"
	case EndOfFile:
		return "eof"
	default:
		return "invalid"
	}
}

// BracketSide distinguishes an opening bracket from a closing one; both
// sides share the same Kind so the parser can match by Kind and check Side.
type BracketSide int

const (
	Open BracketSide = iota
	Close
)

// Keywords are reserved identifiers that tokenize as Keyword rather than
// Identifier (spec.md §4.1).
var Keywords = map[string]bool{
	"true":        true,
	"false":       true,
	"if":          true,
	"else":        true,
	"in":          true,
	"not":         true,
	"define":      true,
	"undef":       true,
	"import":      true,
	"include":     true,
	"once":        true,
	"exists":      true,
	"file_exists": true,
	"function":    true,
}

// Token is one element of the flat sequence a SourceFile tokenizes into.
type Token struct {
	Kind   Kind
	Span   Span
	Value  string // raw text for Identifier/Keyword/Operator/bracket tokens
	Str    string // unescaped value for String tokens
	Number int64
	Bool   bool
	Side   BracketSide // meaningful only for bracket Kinds
}

func (t Token) String() string {
	if t.Kind == String {
		return `"` + t.Str + `"`
	}
	return t.Value
}
