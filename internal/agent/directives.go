package agent

import (
	"strings"
)

// Directive is one inline slash command parsed out of a user message.
type Directive struct {
	Name string // think, model, reset, status, help
	Arg  string
}

// directiveArity maps directive names to whether they consume an argument.
var directiveArity = map[string]bool{
	"think":  true,
	"model":  true,
	"reset":  false,
	"status": false,
	"help":   false,
}

// ParseDirectives extracts inline directives from a user message and
// returns the remaining text. Unknown slash words are left in place so the
// model still sees them. Directives run strictly before attachment
// validation.
func ParseDirectives(message string) ([]Directive, string) {
	fields := strings.Fields(message)
	var directives []Directive
	var rest []string

	for i := 0; i < len(fields); i++ {
		word := fields[i]
		if !strings.HasPrefix(word, "/") {
			rest = append(rest, word)
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(word, "/"))
		takesArg, known := directiveArity[name]
		if !known {
			rest = append(rest, word)
			continue
		}
		d := Directive{Name: name}
		if takesArg && i+1 < len(fields) {
			d.Arg = fields[i+1]
			i++
		}
		directives = append(directives, d)
	}
	return directives, strings.Join(rest, " ")
}

// helpText is returned for the /help directive.
const helpText = `Available directives:
/think off|low|medium|high - set thinking level
/model provider/name - switch model for this session
/reset - clear the session history
/status - show run configuration and spend
/help - this message`

// HelpText returns the directive reference shown for /help.
func HelpText() string {
	return helpText
}
