// Package sanitize post-processes raw model output so it renders cleanly:
// chat models love inventing their own numbering and spacing, and the
// display layer trusts whatever it is given.
package sanitize

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	excessNewlines = regexp.MustCompile(`\n{3,}`)
	emptyBullet    = regexp.MustCompile(`(?m)^[ \t]*[-•][ \t]*$`)
	fakeHeading    = regexp.MustCompile(`^\s*\d+\.\s*([A-Z][^\n]{1,60}?):?\s*$`)
	bulletNext     = regexp.MustCompile(`^\s*[-•]`)
	headingNext    = regexp.MustCompile(`^\s*#{1,6}\s`)
	headingPrefix  = regexp.MustCompile(`^#{2,6}\s+`)

	numberedItem = regexp.MustCompile(`^(\s*)(\d+)[.)]\s+(.*)$`)
	bulletItem   = regexp.MustCompile(`^\s*[-•]\s+`)
	headingLine  = regexp.MustCompile(`^#{1,6}\s`)
	boldLabel    = regexp.MustCompile(`^\*\*.*\*\*:?$`)
)

// Sanitize cleans up model text in three ordered passes: collapse excess
// blank lines and bare bullet markers, demote numbered lines that are really
// headings, and renumber ordered lists so every contiguous list counts
// 1, 2, 3 regardless of what the model emitted. Pure and idempotent.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}

	// Clear bare bullet lines before collapsing so the collapse sees the
	// blank runs they leave behind; the reverse order is not idempotent.
	text = emptyBullet.ReplaceAllString(text, "")
	text = excessNewlines.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	demoteFakeHeadings(lines)

	for i, line := range lines {
		lines[i] = headingPrefix.ReplaceAllString(line, "")
	}

	renumberLists(lines)

	return strings.Join(lines, "\n")
}

// demoteFakeHeadings rewrites "N. Some phrase:" to "**Some phrase:**" when
// the next line is a bullet, a blank line, or a markdown heading. Left as a
// numbered line, it would seed the renumber pass with a bogus list start.
func demoteFakeHeadings(lines []string) {
	for i := 0; i < len(lines)-1; i++ {
		m := fakeHeading.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		next := lines[i+1]
		if bulletNext.MatchString(next) || strings.TrimSpace(next) == "" || headingNext.MatchString(next) {
			lines[i] = "**" + strings.TrimSpace(m[1]) + ":**"
		}
	}
}

// renumberLists rewrites every numbered line with a strictly sequential
// counter, restarting at 1 after each break (blank line, bullet, heading, or
// bold label).
func renumberLists(lines []string) {
	inList := false
	n := 0
	for i, line := range lines {
		m := numberedItem.FindStringSubmatch(line)
		isBreak := strings.TrimSpace(line) == "" ||
			bulletItem.MatchString(line) ||
			headingLine.MatchString(line) ||
			boldLabel.MatchString(line)

		switch {
		case m != nil:
			if !inList {
				inList = true
				n = 1
			} else {
				n++
			}
			lines[i] = m[1] + strconv.Itoa(n) + ". " + m[3]
		case inList && isBreak:
			inList = false
			n = 0
		}
	}
}
