package generation

import (
	"regexp"
	"strings"

	"github.com/firstaid/assistant/internal/models"
)

// ParseOutcome is either Parsed or ParseFailure.
type ParseOutcome interface {
	parseOutcome()
}

// Parsed is a usable answer with the citations it is grounded on.
type Parsed struct {
	Text      string
	Citations []models.RetrievedChunk
}

// ParseFailure reports raw output that cannot be shown to the user.
type ParseFailure struct {
	Reason string
}

func (Parsed) parseOutcome()       {}
func (ParseFailure) parseOutcome() {}

// Parser turns raw model output into a ParseOutcome.
type Parser interface {
	Parse(raw string, included []models.RetrievedChunk) ParseOutcome
}

var (
	headingPattern    = regexp.MustCompile(`(?m)^\s*#{1,6}\s*`)
	emphasisPattern   = regexp.MustCompile(`\*{1,2}([^\n]+?)\*{1,2}`)
	inlineCodePattern = regexp.MustCompile("`([^`\n]+)`")
	bulletPattern     = regexp.MustCompile(`(?m)^[ \t]*[-*•][ \t]+`)
	blankLinesPattern = regexp.MustCompile(`\n{3,}`)
)

// MarkdownParser strips markdown markup the UI does not render and normalizes bullets to "- ".
type MarkdownParser struct{}

// Parse implements Parser.
func (MarkdownParser) Parse(raw string, included []models.RetrievedChunk) ParseOutcome {
	text := CleanMarkdown(raw)
	if text == "" {
		return ParseFailure{Reason: "empty response"}
	}

	return Parsed{Text: text, Citations: included}
}

// CleanMarkdown strips markdown artifacts from model output and collapses runs of blank lines.
func CleanMarkdown(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = headingPattern.ReplaceAllString(text, "")
	// Bullets go first so "* item" lines are not read as emphasis.
	text = bulletPattern.ReplaceAllString(text, "- ")
	text = emphasisPattern.ReplaceAllString(text, "$1")
	text = inlineCodePattern.ReplaceAllString(text, "$1")
	text = blankLinesPattern.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}
