package transform

import "regexp"

var (
	reminderBlock = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)
	blankRun      = regexp.MustCompile(`\n{3,}`)
)

// StripReminders removes host-injected <system-reminder> blocks. Blank-line
// runs are collapsed only when a block was removed, so clean text comes
// back byte for byte.
func StripReminders(text string) (string, bool) {
	if !reminderBlock.MatchString(text) {
		return text, false
	}
	out := text
	// removal can splice a new block together out of two fragments
	for reminderBlock.MatchString(out) {
		out = reminderBlock.ReplaceAllString(out, "")
	}
	out = blankRun.ReplaceAllString(out, "\n\n")
	return out, out != text
}
