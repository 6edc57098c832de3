package backlog

import "sort"

// Canonical mapping from feedback areas to backlog sections. The applier
// files new issues under these sections and the decision engine maps a
// recommendation's section back to its area when tagging failure patterns.
var sectionByArea = map[string]string{
	"actions":        "Actions & Interactions",
	"snapshot":       "Snapshot & Capture",
	"navigation":     "Navigation",
	"iframe":         "Frames & IFrames",
	"input":          "Input & Forms",
	"error-handling": "Error Handling",
	"shadow-dom":     "Shadow DOM",
	"timing":         "Timing & Waits",
	"other":          "General",
}

// SectionForArea returns the backlog section for a feedback area. Unknown
// areas file under General.
func SectionForArea(area string) string {
	if s, ok := sectionByArea[area]; ok {
		return s
	}
	return "General"
}

// AreaForSection is the reverse lookup. Empty when the section is not one
// of the canonical ones.
func AreaForSection(section string) string {
	for area, s := range sectionByArea {
		if s == section {
			return area
		}
	}
	return ""
}

// Areas returns the canonical feedback areas in sorted order.
func Areas() []string {
	out := make([]string, 0, len(sectionByArea))
	for area := range sectionByArea {
		out = append(out, area)
	}
	sort.Strings(out)
	return out
}
