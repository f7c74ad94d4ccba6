package memory

import (
	"regexp"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
)

// MinBlockLength is the shortest body a learning block may carry
const MinBlockLength = 10

var (
	openTagPattern   = regexp.MustCompile(`(?i)\[LEARNING\b([^\]]*)\]`)
	closeTagPattern  = regexp.MustCompile(`(?i)\[/LEARNING\]`)
	attributePattern = regexp.MustCompile(`(\w+)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
)

// Block is one learning marker found in a text. Exactly one of Draft and Err is set.
type Block struct {
	Draft  *model.LearningDraft
	Err    error
	Offset int
	End    int
}

// Parse scans text for [LEARNING category="..."] ... [/LEARNING] markers.
// Malformed markers are reported individually and never stop the scan.
func Parse(text string) []Block {
	var blocks []Block

	opens := openTagPattern.FindAllStringSubmatchIndex(text, -1)
	for i, open := range opens {
		start, tagEnd := open[0], open[1]
		attrs := text[open[2]:open[3]]

		limit := len(text)
		if i+1 < len(opens) {
			limit = opens[i+1][0]
		}

		loc := closeTagPattern.FindStringIndex(text[tagEnd:limit])
		if loc == nil {
			blocks = append(blocks, Block{
				Err:    goerr.Wrap(model.ErrMalformedBlock, "missing closing tag", goerr.V("offset", start)),
				Offset: start,
				End:    tagEnd,
			})
			continue
		}

		end := tagEnd + loc[1]
		body := strings.TrimSpace(text[tagEnd : tagEnd+loc[0]])
		draft, err := parseBlock(attrs, body)
		if err != nil {
			blocks = append(blocks, Block{
				Err:    goerr.Wrap(err, "invalid learning block", goerr.V("offset", start)),
				Offset: start,
				End:    end,
			})
			continue
		}

		blocks = append(blocks, Block{Draft: draft, Offset: start, End: end})
	}

	return blocks
}

func parseBlock(attrs, body string) (*model.LearningDraft, error) {
	values := make(map[string]string)
	for _, m := range attributePattern.FindAllStringSubmatch(attrs, -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		values[strings.ToLower(m[1])] = strings.TrimSpace(v)
	}

	raw, ok := values["category"]
	if !ok || raw == "" {
		return nil, goerr.Wrap(model.ErrMalformedBlock, "category is missing")
	}
	category, err := model.ParseCategory(raw)
	if err != nil {
		return nil, goerr.Wrap(model.ErrMalformedBlock, "unknown category", goerr.V("category", raw))
	}

	if len(body) < MinBlockLength {
		return nil, goerr.Wrap(model.ErrMalformedBlock, "body is too short", goerr.V("length", len(body)))
	}

	return &model.LearningDraft{
		Text:     body,
		Category: category,
		Project:  values["project"],
	}, nil
}

// Extract returns the drafts of all well-formed blocks in order of appearance
func Extract(text string) []model.LearningDraft {
	var drafts []model.LearningDraft
	for _, b := range Parse(text) {
		if b.Draft != nil {
			drafts = append(drafts, *b.Draft)
		}
	}
	return drafts
}

// Strip removes well-formed learning blocks from text for display
func Strip(text string) string {
	var (
		b    strings.Builder
		last int
	)
	for _, blk := range Parse(text) {
		if blk.Draft == nil {
			continue
		}
		b.WriteString(text[last:blk.Offset])
		last = blk.End
	}
	b.WriteString(text[last:])

	return strings.TrimSpace(b.String())
}
