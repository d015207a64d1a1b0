package validator

import (
	"log"
	"strings"
	"unicode/utf8"

	"github.com/edforge/edforge/pkg/models"
)

// AutoFix applies the declared deterministic transforms for every issue the
// report marked auto-fixable and returns a new candidate. The fix set is
// closed: trimming oversized fragments, inserting missing accessibility
// metadata. Semantic content is never changed beyond the declared category,
// and safety issues are never fixed here.
func (v *Validator) AutoFix(cand *Candidate, report *models.QualityReport) *Candidate {
	fixed := &Candidate{
		Fragments: make(map[models.Modality]*models.Fragment, len(cand.Fragments)),
		Intent:    cand.Intent,
	}
	for m, frag := range cand.Fragments {
		cp := *frag
		cp.Metadata = make(map[string]string, len(frag.Metadata)+1)
		for k, val := range frag.Metadata {
			cp.Metadata[k] = val
		}
		fixed.Fragments[m] = &cp
	}

	applied := 0
	for _, issue := range report.Issues {
		if !issue.AutoFixable {
			continue
		}
		switch {
		case issue.Dimension == models.DimensionPerformance:
			for _, frag := range fixed.Fragments {
				if len(frag.Content) > maxFragmentBytes {
					// Back up to a rune boundary so the cut never
					// leaves a broken UTF-8 sequence.
					cut := maxFragmentBytes
					for cut > 0 && !utf8.RuneStart(frag.Content[cut]) {
						cut--
					}
					frag.Content = frag.Content[:cut]
					applied++
				}
			}
		case issue.Dimension == models.DimensionAccessibility && strings.Contains(issue.Description, "alt text"):
			if frag, ok := fixed.Fragments[models.ModalityVisualSpec]; ok && frag.Metadata["alt_text"] == "" {
				frag.Metadata["alt_text"] = "Illustration for " + cand.Intent.Topic
				applied++
			}
		case issue.Dimension == models.DimensionAccessibility && strings.Contains(issue.Description, "captions"):
			if frag, ok := fixed.Fragments[models.ModalityAudioSpec]; ok && frag.Metadata["captions"] == "" {
				frag.Metadata["captions"] = "auto"
				applied++
			}
		}
	}

	if applied > 0 {
		log.Printf("[Validator] Applied %d auto-fixes", applied)
	}
	return fixed
}
