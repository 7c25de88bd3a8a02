package completion

import "testing"

func TestDedupeByDisplayText(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{name: "duplicate later", in: []string{"a", "b", "a"}, want: []string{"a", "b"}},
		{name: "no duplicates", in: []string{"x", "y"}, want: []string{"x", "y"}},
		{name: "all same", in: []string{"z", "z", "z"}, want: []string{"z"}},
		{name: "empty", in: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var in []Completion
			for i, d := range tt.in {
				in = append(in, Completion{DisplayText: d, UUID: string(rune('a' + i))})
			}
			got := DedupeByDisplayText(in)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].DisplayText != tt.want[i] {
					t.Errorf("got[%d] = %q, want %q", i, got[i].DisplayText, tt.want[i])
				}
			}
		})
	}
}

func TestDedupeByDisplayText_FirstWins(t *testing.T) {
	got := DedupeByDisplayText([]Completion{
		{DisplayText: "a", UUID: "first"},
		{DisplayText: "b", UUID: "second"},
		{DisplayText: "a", UUID: "third"},
	})
	if got[0].UUID != "first" {
		t.Errorf("kept %q, want first", got[0].UUID)
	}
}

func TestMergePanelSolutions(t *testing.T) {
	got := MergePanelSolutions(nil,
		PanelSolution{SolutionID: "s1", CompletionText: "x", DisplayText: "first", Score: 0.9},
		PanelSolution{SolutionID: "s2", CompletionText: "y", Score: 0.6},
		PanelSolution{SolutionID: "s3", CompletionText: "x", DisplayText: "second", Score: 0.4},
	)

	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].SolutionID != "s1" || got[0].DisplayText != "first" || got[0].Score != 0.9 {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].SolutionID != "s2" {
		t.Errorf("got[1] = %+v", got[1])
	}
}

func TestMergePanelSolutions_Resorts(t *testing.T) {
	existing := []PanelSolution{
		{SolutionID: "s1", CompletionText: "a", Score: 0.5},
		{SolutionID: "s2", CompletionText: "b", Score: 0.3},
	}
	got := MergePanelSolutions(existing,
		PanelSolution{SolutionID: "s3", CompletionText: "c", Score: 0.7},
		PanelSolution{SolutionID: "s4", CompletionText: "b", Score: 0.8},
	)

	want := []string{"s2", "s3", "s1"}
	if len(got) != len(want) {
		t.Fatalf("got %+v", got)
	}
	for i, id := range want {
		if got[i].SolutionID != id {
			t.Errorf("got[%d] = %s, want %s", i, got[i].SolutionID, id)
		}
	}
	if existing[1].Score != 0.3 {
		t.Error("MergePanelSolutions mutated its input")
	}
}

func TestMergePanelSolutions_StableTies(t *testing.T) {
	got := MergePanelSolutions(nil,
		PanelSolution{SolutionID: "s1", CompletionText: "a", Score: 0.5},
		PanelSolution{SolutionID: "s2", CompletionText: "b", Score: 0.5},
	)
	if got[0].SolutionID != "s1" || got[1].SolutionID != "s2" {
		t.Errorf("tie order = %s, %s", got[0].SolutionID, got[1].SolutionID)
	}
}
