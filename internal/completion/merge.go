package completion

import (
	"sort"

	"github.com/dshills/keystorm-copilot/internal/protocol"
)

// DedupeByDisplayText drops completions whose DisplayText was already seen.
// The first occurrence wins and order is preserved.
func DedupeByDisplayText(in []Completion) []Completion {
	seen := make(map[string]struct{}, len(in))
	out := make([]Completion, 0, len(in))
	for _, c := range in {
		if _, dup := seen[c.DisplayText]; dup {
			continue
		}
		seen[c.DisplayText] = struct{}{}
		out = append(out, c)
	}
	return out
}

// MergePanelSolutions folds incoming into existing, collapsing entries with
// the same CompletionText. A collapsed entry keeps the first occurrence's
// fields and the highest score seen. The result is sorted by descending
// score; equal scores keep arrival order.
func MergePanelSolutions(existing []PanelSolution, incoming ...PanelSolution) []PanelSolution {
	out := make([]PanelSolution, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	index := make(map[string]int, len(out))
	for i, s := range out {
		index[s.CompletionText] = i
	}
	for _, s := range incoming {
		if i, ok := index[s.CompletionText]; ok {
			if s.Score > out[i].Score {
				out[i].Score = s.Score
			}
			continue
		}
		index[s.CompletionText] = len(out)
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

func toCompletions(items []protocol.CompletionItem) []Completion {
	out := make([]Completion, 0, len(items))
	for _, it := range items {
		out = append(out, Completion{
			UUID:             it.UUID,
			Text:             it.Text,
			DisplayText:      it.DisplayText,
			InsertionPoint:   it.Position,
			ReplacementRange: it.Range,
		})
	}
	return out
}

func toPanelSolution(p protocol.PanelSolutionParams) PanelSolution {
	return PanelSolution{
		SolutionID:     p.SolutionID,
		CompletionText: p.CompletionText,
		DisplayText:    p.DisplayText,
		Score:          p.Score,
		Range:          p.Range,
	}
}
