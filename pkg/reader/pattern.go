package reader

import (
	"path"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// CompilePattern turns a filename pattern into an anchored regular
// expression. {sender_id} matches the literal sender id and {date}
// matches eight digits (YYYYMMDD); everything else is literal.
func CompilePattern(pattern, senderID string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	rest := pattern
	for rest != "" {
		open := strings.Index(rest, "{")
		if open < 0 {
			sb.WriteString(regexp.QuoteMeta(rest))
			break
		}
		sb.WriteString(regexp.QuoteMeta(rest[:open]))
		closing := strings.Index(rest[open:], "}")
		if closing < 0 {
			return nil, errors.Errorf("unterminated placeholder in pattern %q", pattern)
		}
		placeholder := rest[open+1 : open+closing]
		switch placeholder {
		case "sender_id":
			sb.WriteString(regexp.QuoteMeta(senderID))
		case "date":
			sb.WriteString(`\d{8}`)
		default:
			return nil, errors.Errorf("unsupported placeholder {%s} in pattern %q", placeholder, pattern)
		}
		rest = rest[open+closing+1:]
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// MatchPattern reports whether the base name of filename satisfies the
// pattern for the given sender.
func MatchPattern(pattern, senderID, filename string) (bool, error) {
	re, err := CompilePattern(pattern, senderID)
	if err != nil {
		return false, err
	}
	return re.MatchString(path.Base(filename)), nil
}
