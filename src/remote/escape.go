package remote

import "strings"

// A Replacer makes a single pass, so the backslashes it inserts are never
// escaped twice; this matches escaping \ first and then " ` $ in turn.
var escaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"`", "\\`",
	`$`, `\$`,
)

// Escape adds one layer of shell quoting to args. ssh joins its trailing
// arguments with spaces and hands the result to the remote shell; one round
// of that shell's word splitting and quote removal on the returned string
// yields args again, byte for byte. Each argument is wrapped in double quotes
// with \ " ` and $ backslash-escaped, and is preceded by a single space.
// An empty vector yields the empty string.
func Escape(args []string) string {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(` "`)
		b.WriteString(escaper.Replace(a))
		b.WriteByte('"')
	}
	return b.String()
}
