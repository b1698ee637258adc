package util

import (
	"fmt"
	"html"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	xhtml "golang.org/x/net/html"
)

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// EscapeHTML escapes the characters reserved in HTML text and attributes.
func EscapeHTML(value string) string {
	return html.EscapeString(value)
}

var newlines = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// PlainTextToHTML converts user typed text into the stored description format.
// CRLF and lone CR line endings count as a single line break.
func PlainTextToHTML(text string) string {
	return strings.ReplaceAll(EscapeHTML(newlines.Replace(text)), "\n", "<br>")
}

// HTMLToPlainText returns the text content of a stored description, turning
// line breaks back into newlines.
func HTMLToPlainText(value string) string {
	if value == "" {
		return ""
	}

	var b strings.Builder
	z := xhtml.NewTokenizer(strings.NewReader(value))
	for {
		switch z.Next() {
		case xhtml.ErrorToken:
			return b.String()
		case xhtml.TextToken:
			b.Write(z.Text())
		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			name, _ := z.TagName()
			if string(name) == "br" {
				b.WriteByte('\n')
			}
		}
	}
}

// SanitizeFileName replaces everything but letters, digits, dot, dash and underscore.
func SanitizeFileName(name string) string {
	if name == "" {
		name = "file"
	}
	return unsafeFileChars.ReplaceAllString(name, "_")
}

// FormatFileSize renders a byte count as B, KB, MB or GB.
func FormatFileSize(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}

	units := []string{"B", "KB", "MB", "GB"}
	idx := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if idx >= len(units) {
		idx = len(units) - 1
	}
	value := float64(bytes) / math.Pow(1024, float64(idx))
	if idx == 0 {
		return fmt.Sprintf("%.0f %s", value, units[idx])
	}
	return fmt.Sprintf("%.1f %s", value, units[idx])
}

// TruncateText shortens value to maxLength runes, ending with an ellipsis.
func TruncateText(value string, maxLength int) string {
	text := strings.TrimSpace(value)
	if utf8.RuneCountInString(text) <= maxLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxLength-1]) + "…"
}

// ValidateProjectName checks the length rules of a project title.
func ValidateProjectName(name string) error {
	trimmed := strings.TrimSpace(name)
	switch n := utf8.RuneCountInString(trimmed); {
	case n == 0:
		return fmt.Errorf("project title is required")
	case n < 3:
		return fmt.Errorf("project title must be at least 3 characters")
	case n > 120:
		return fmt.Errorf("project title must be 120 characters or less")
	}
	return nil
}

// NormalizeName is the comparison key for case and whitespace insensitive names.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// FormatActionLabel turns "task_created" into "Task Created".
func FormatActionLabel(action string) string {
	words := strings.Fields(strings.ReplaceAll(action, "_", " "))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = strings.ToUpper(string(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
