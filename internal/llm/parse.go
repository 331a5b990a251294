package llm

import (
	"regexp"
	"strings"
)

var listMarker = regexp.MustCompile(`(?m)^\s*\d+[.:)]\s*`)

// parseNumberedList extracts n items from a model response formatted as a
// numbered list. The markers `1.`, `1:` and `1)` are all accepted. When
// the numbering does not yield n items, the response is split on blank
// lines; when that fails too, the whole response is used for every item.
func parseNumberedList(resp string, n int) []string {
	resp = strings.TrimSpace(resp)

	if items := splitOnMarkers(resp); len(items) == n {
		return items
	}
	if items := splitOnBlankLines(resp); len(items) == n {
		return items
	}

	out := make([]string, n)
	for i := range out {
		out[i] = resp
	}
	return out
}

func splitOnMarkers(resp string) []string {
	locs := listMarker.FindAllStringIndex(resp, -1)
	if len(locs) == 0 {
		return nil
	}
	var items []string
	for i, loc := range locs {
		end := len(resp)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		item := strings.TrimSpace(resp[loc[1]:end])
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

func splitOnBlankLines(resp string) []string {
	var items []string
	for _, part := range strings.Split(resp, "\n\n") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
