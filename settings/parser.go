package settings

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/knadh/koanf/maps"
)

// ErrSyntax is returned for a value that is not a literal
var ErrSyntax = errors.New("settings: invalid literal")

// LineParser reads and writes settings files made of lines like
//
//	param.delays = [1e-09, 1e-06, nan]
//	options.basename = 'lyso'
//
// Lines that do not parse are logged and skipped.
type LineParser struct{}

// Parser returns a koanf parser for settings files
func Parser() *LineParser { return &LineParser{} }

// Unmarshal parses the lines of b into a nested map
func (p *LineParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	flat := map[string]interface{}{}
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			log.Printf("settings: line %d: no '=' in %q, skipped\n", n, line)
			continue
		}
		key := strings.TrimSpace(line[:eq])
		if !validKey(key) {
			log.Printf("settings: line %d: bad name %q, skipped\n", n, key)
			continue
		}
		v, err := ParseLiteral(line[eq+1:])
		if err != nil {
			log.Printf("settings: line %d: %s: %v, skipped\n", n, key, err)
			continue
		}
		if v == nil {
			continue
		}
		flat[key] = v
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return maps.Unflatten(flat, "."), nil
}

func validKey(k string) bool {
	if k == "" || strings.HasPrefix(k, ".") || strings.HasSuffix(k, ".") {
		return false
	}
	for _, r := range k {
		if r != '.' && r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Marshal writes m as sorted lines
func (p *LineParser) Marshal(m map[string]interface{}) ([]byte, error) {
	flat, _ := maps.Flatten(m, nil, ".")
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := &bytes.Buffer{}
	for _, k := range keys {
		s, err := FormatLiteral(flat[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		fmt.Fprintf(buf, "%s = %s\n", k, s)
	}
	return buf.Bytes(), nil
}

// ParseLiteral parses a number, nan, inf, True, False, None, a quoted
// string, or a list or tuple of those.  None is returned as nil.
func ParseLiteral(s string) (interface{}, error) {
	l := &lexer{s: s}
	v, err := l.value()
	if err != nil {
		return nil, err
	}
	l.space()
	if l.i != len(l.s) {
		return nil, fmt.Errorf("%w: trailing %q", ErrSyntax, l.s[l.i:])
	}
	return v, nil
}

type lexer struct {
	s string
	i int
}

func (l *lexer) space() {
	for l.i < len(l.s) && (l.s[l.i] == ' ' || l.s[l.i] == '\t') {
		l.i++
	}
}

func (l *lexer) value() (interface{}, error) {
	l.space()
	if l.i >= len(l.s) {
		return nil, fmt.Errorf("%w: empty", ErrSyntax)
	}
	switch c := l.s[l.i]; c {
	case '[':
		return l.list(']')
	case '(':
		return l.list(')')
	case '\'', '"':
		return l.str(c)
	}
	start := l.i
	for l.i < len(l.s) && !strings.ContainsRune(" \t,])", rune(l.s[l.i])) {
		l.i++
	}
	return word(l.s[start:l.i])
}

func word(w string) (interface{}, error) {
	switch w {
	case "True", "true":
		return true, nil
	case "False", "false":
		return false, nil
	case "None":
		return nil, nil
	case "nan", "NaN":
		return math.NaN(), nil
	case "inf", "+inf":
		return math.Inf(1), nil
	case "-inf":
		return math.Inf(-1), nil
	}
	if i, err := strconv.ParseInt(w, 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(w, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrSyntax, w)
}

func (l *lexer) list(end byte) (interface{}, error) {
	l.i++
	out := []interface{}{}
	for {
		l.space()
		if l.i < len(l.s) && l.s[l.i] == end {
			l.i++
			return out, nil
		}
		v, err := l.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		l.space()
		if l.i >= len(l.s) {
			return nil, fmt.Errorf("%w: unterminated list", ErrSyntax)
		}
		switch l.s[l.i] {
		case ',':
			l.i++
		case end:
		default:
			return nil, fmt.Errorf("%w: expected ',' at %q", ErrSyntax, l.s[l.i:])
		}
	}
}

func (l *lexer) str(q byte) (interface{}, error) {
	l.i++
	var b strings.Builder
	for l.i < len(l.s) {
		c := l.s[l.i]
		l.i++
		switch {
		case c == q:
			return b.String(), nil
		case c == '\\' && l.i < len(l.s):
			e := l.s[l.i]
			l.i++
			switch e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(e)
			}
		default:
			b.WriteByte(c)
		}
	}
	return nil, fmt.Errorf("%w: unterminated string", ErrSyntax)
}

// FormatLiteral writes v in the syntax ParseLiteral reads
func FormatLiteral(v interface{}) (string, error) {
	if v == nil {
		return "None", nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		if rv.Bool() {
			return "True", nil
		}
		return "False", nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		switch {
		case math.IsNaN(f):
			return "nan", nil
		case math.IsInf(f, 1):
			return "inf", nil
		case math.IsInf(f, -1):
			return "-inf", nil
		}
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".en") {
			s += ".0"
		}
		return s, nil
	case reflect.String:
		r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\t", `\t`)
		return "'" + r.Replace(rv.String()) + "'", nil
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := range parts {
			s, err := FormatLiteral(rv.Index(i).Interface())
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	}
	return "", fmt.Errorf("%w: cannot format %T", ErrSyntax, v)
}
