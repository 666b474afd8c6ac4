package core

import (
	"reflect"
	"sort"
	"testing"
	"time"
)

func TestNormalizeTags(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{name: "empty", in: nil, want: []string{}},
		{name: "trims and drops blanks", in: []string{" a ", "", "  "}, want: []string{"a"}},
		{name: "dedupes keeping first", in: []string{"b", "a", "b"}, want: []string{"b", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeTags(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeTags(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestMergeTags(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lead := LeadCard{ID: "lead-1", ChatID: "123", Tags: []string{"b"}}

	merged := MergeTags(lead, []string{"a", "b", "a"}, now)

	got := append([]string(nil), merged.Tags...)
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("merged tags = %v, want {a b}", merged.Tags)
	}
	if !merged.LastUpdateAt.Equal(now) {
		t.Errorf("LastUpdateAt = %v, want %v", merged.LastUpdateAt, now)
	}

	// Input lead is untouched.
	if !reflect.DeepEqual(lead.Tags, []string{"b"}) {
		t.Errorf("input lead mutated: %v", lead.Tags)
	}
}

func TestMergeTagsAllEmpty(t *testing.T) {
	lead := LeadCard{ID: "lead-1", Tags: []string{"x"}, LastUpdateAt: time.Unix(10, 0)}
	merged := MergeTags(lead, []string{" ", ""}, time.Now())
	if !reflect.DeepEqual(merged, lead) {
		t.Errorf("MergeTags with no usable tags should return the lead unchanged")
	}
}

func TestStepTypeClassification(t *testing.T) {
	sending := []StepType{StepText, StepAudio, StepPTT, StepPTV, StepImage, StepVideo, StepFile}
	for _, st := range sending {
		if !st.Sending() {
			t.Errorf("%s should be a sending step", st)
		}
	}
	for _, st := range []StepType{StepDelay, StepTag, StepWebhook} {
		if st.Sending() {
			t.Errorf("%s should not be a sending step", st)
		}
	}
	if StepText.Media() {
		t.Error("text is not a media step")
	}
	if !StepPTV.Media() {
		t.Error("ptv is a media step")
	}
	if StepType("bogus").Known() {
		t.Error("bogus type should not be known")
	}
}

func TestLeadCardKey(t *testing.T) {
	if got := (LeadCard{ID: "a", ChatID: "b"}).Key(); got != "a" {
		t.Errorf("Key() = %q, want a", got)
	}
	if got := (LeadCard{ChatID: "b"}).Key(); got != "b" {
		t.Errorf("Key() = %q, want b", got)
	}
}

func TestNormalizeFunnel(t *testing.T) {
	delay := 5
	f := Funnel{
		ID:   "f1",
		Name: "  Onboarding  ",
		Steps: []FunnelStep{
			{ID: "s1", Type: StepText, Text: " hi "},
			{ID: "s2", Type: StepTag, AddTags: []string{" a ", "", "a"}},
			{ID: "s3", Type: StepDelay, DelaySec: &delay, DelayExpr: " rand(1,2) "},
		},
	}

	got := NormalizeFunnel(f)
	if got.Name != "Onboarding" {
		t.Errorf("Name = %q", got.Name)
	}
	if got.Steps[0].Text != "hi" {
		t.Errorf("Text = %q", got.Steps[0].Text)
	}
	if !reflect.DeepEqual(got.Steps[1].AddTags, []string{"a"}) {
		t.Errorf("AddTags = %v", got.Steps[1].AddTags)
	}
	if got.Steps[2].DelayExpr != "rand(1,2)" {
		t.Errorf("DelayExpr = %q", got.Steps[2].DelayExpr)
	}
	// Original untouched.
	if f.Steps[0].Text != " hi " {
		t.Error("NormalizeFunnel mutated its input")
	}
}

func TestValidateFunnel(t *testing.T) {
	problems := ValidateFunnel(Funnel{
		Steps: []FunnelStep{
			{Type: StepType("nope")},
			{ID: "s2", Type: StepImage},
		},
	})
	if len(problems) == 0 {
		t.Fatal("expected problems")
	}
	// id+name missing, step 0 id+type, step 1 missing mediaId.
	if len(problems) != 5 {
		t.Errorf("got %d problems: %v", len(problems), problems)
	}
}
