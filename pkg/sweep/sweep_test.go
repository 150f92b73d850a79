package sweep

import (
	"slices"
	"testing"
)

func seedSweep() *Spec {
	return &Spec{
		ID:    "sweep-1",
		Image: "registry.quantfold.dev/backtests:abc123-h1",
		Dimensions: []Dimension{
			{Key: "seed", Values: []string{"1", "2", "3"}},
		},
	}
}

func collectIDs(s *Spec) []string {
	var ids []string
	for job := range s.Jobs() {
		ids = append(ids, job.ID)
	}
	return ids
}

func TestJobs_SeedDimension(t *testing.T) {
	s := seedSweep()
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	want := []string{"sweep-1#seed=1", "sweep-1#seed=2", "sweep-1#seed=3"}
	got := collectIDs(s)
	if !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	// Expanding twice yields identically-identified jobs.
	if again := collectIDs(s); !slices.Equal(again, got) {
		t.Errorf("re-expansion differs: %v vs %v", again, got)
	}
}

func TestJobs_CrossProduct(t *testing.T) {
	s := &Spec{
		ID:    "sweep-2",
		Image: "img:tag",
		Dimensions: []Dimension{
			{Key: "window", Values: []string{"30", "60"}},
			{Key: "spread_bp", Values: []string{"1", "2", "5"}},
		},
	}

	if s.Count() != 6 {
		t.Fatalf("expected 6 points, got %d", s.Count())
	}

	ids := collectIDs(s)
	if len(ids) != 6 {
		t.Fatalf("expected 6 jobs, got %d", len(ids))
	}

	// Declared dimension order, last dimension fastest.
	if ids[0] != "sweep-2#window=30,spread_bp=1" {
		t.Errorf("unexpected first id %s", ids[0])
	}
	if ids[5] != "sweep-2#window=60,spread_bp=5" {
		t.Errorf("unexpected last id %s", ids[5])
	}

	// All distinct.
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestJobs_LazyExpansion(t *testing.T) {
	s := &Spec{
		ID:    "sweep-3",
		Image: "img:tag",
		Dimensions: []Dimension{
			{Key: "seed", Values: make([]string, 1000)},
		},
	}
	for i := range s.Dimensions[0].Values {
		s.Dimensions[0].Values[i] = "v"
	}

	// Stopping early must not expand the rest.
	n := 0
	for range s.Jobs() {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Errorf("expected to stop after 3, got %d", n)
	}
}

func TestJobs_CarryImageDigest(t *testing.T) {
	s := seedSweep()
	s.ImageDigest = "sha256:feedfacefeedface"
	for job := range s.Jobs() {
		if job.ImageDigest != s.ImageDigest {
			t.Fatalf("job %s digest = %q, want %q", job.ID, job.ImageDigest, s.ImageDigest)
		}
	}
}

func TestJobs_EnumeratedPoints(t *testing.T) {
	s := &Spec{
		ID:    "sweep-4",
		Image: "img:tag",
		Points: []([]Param){
			{{Key: "seed", Value: "7"}, {Key: "window", Value: "30"}},
			{{Key: "seed", Value: "7"}, {Key: "window", Value: "60"}},
		},
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	var jobs []JobSpec
	for job := range s.Jobs() {
		jobs = append(jobs, job)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].Seed != 7 {
		t.Errorf("seed param should populate Seed, got %d", jobs[0].Seed)
	}
	if jobs[0].OutputKey != "sweeps/sweep-4/jobs/sweep-4#seed=7,window=30/" {
		t.Errorf("unexpected output key %s", jobs[0].OutputKey)
	}
}

func TestValidate_DuplicatePoints(t *testing.T) {
	s := &Spec{
		ID:    "sweep-5",
		Image: "img:tag",
		Points: []([]Param){
			{{Key: "seed", Value: "1"}},
			{{Key: "seed", Value: "1"}},
		},
	}
	if err := s.Validate(); err == nil {
		t.Error("expected duplicate point to be rejected")
	}
}

func TestKubeName(t *testing.T) {
	name := KubeName("sweep-1#seed=1", 0)
	if name != KubeName("sweep-1#seed=1", 0) {
		t.Error("KubeName must be deterministic")
	}
	if name == KubeName("sweep-1#seed=2", 0) {
		t.Error("distinct jobs must not collide")
	}
	retry := KubeName("sweep-1#seed=1", 1)
	if retry == name {
		t.Error("resubmission must get a fresh scheduler name")
	}
	if len(name) > 63 {
		t.Errorf("name too long for a k8s object: %s", name)
	}
}
