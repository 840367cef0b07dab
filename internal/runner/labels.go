package runner

import (
	"regexp"
	"strings"
)

const (
	imageLabelPrefix = "image:"
	classLabelPrefix = "class:"
)

// Selection is the structured result of parsing a job's label set.
type Selection struct {
	// Image is the requested base image; empty if no "image:" label.
	Image string
	// Class is the requested size class; empty if no "class:" label.
	Class string
}

// ParseLabels extracts the "image:" and "class:" selectors from a label
// set.  When a prefix appears more than once the last occurrence wins.
func ParseLabels(labels []string) Selection {
	var sel Selection
	for _, l := range labels {
		switch {
		case strings.HasPrefix(l, imageLabelPrefix):
			sel.Image = strings.TrimPrefix(l, imageLabelPrefix)
		case strings.HasPrefix(l, classLabelPrefix):
			sel.Class = strings.TrimPrefix(l, classLabelPrefix)
		}
	}
	return sel
}

var unsafeTagChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeTag converts a requested image label into a registry-safe tag
// (and task family suffix) by replacing every character outside
// [A-Za-z0-9_-] with "-".
func SanitizeTag(label string) string {
	return unsafeTagChars.ReplaceAllString(label, "-")
}
