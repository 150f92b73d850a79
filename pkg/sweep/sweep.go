// Package sweep models parameterized batches of backtest jobs.
//
// A sweep is either the cross-product of its dimensions or an explicitly
// enumerated list of parameter points. Expansion is lazy and deterministic:
// the same sweep always yields the same JobSpecs with the same identifiers,
// in the same order, which is what makes re-dispatch safe.
package sweep

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/quantfold/btq/pkg/btart"
)

// Param is one key→value pair of a job's parameter set. Order matters: a
// JobSpec's params appear in declared dimension order.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Dimension is one axis of a rectangular sweep.
type Dimension struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

// Spec describes a sweep: a set of parameter dimensions (cross-product) or an
// explicitly enumerated list of points, plus the immutable image tag every
// job runs against.
type Spec struct {
	ID    string `json:"id"`
	Image string `json:"image"` // full image reference incl. deterministic tag
	// ImageDigest pins the pushed manifest digest when known; it travels into
	// every job so result records name the exact content that ran.
	ImageDigest string      `json:"imageDigest,omitempty"`
	Dimensions  []Dimension `json:"dimensions,omitempty"`
	// Points enumerates parameter sets directly for non-rectangular sweeps.
	// Mutually exclusive with Dimensions.
	Points []([]Param) `json:"points,omitempty"`
}

// JobSpec is one fully self-describing unit of distributed execution.
// Re-submitting the same JobSpec against the same image digest must be able
// to reproduce the same result.
type JobSpec struct {
	ID          string  `json:"id"`
	SweepID     string  `json:"sweep_id"`
	Params      []Param `json:"params"`
	Image       string  `json:"image"`
	ImageDigest string  `json:"image_digest,omitempty"`
	Seed        int64   `json:"seed,omitempty"`
	// OutputKey is the artifact store key prefix the runner publishes under.
	OutputKey string `json:"output_key"`
	// Attempt distinguishes automatic resubmissions of Errored jobs. It is
	// not part of the job identity: attempt N reproduces the same result.
	Attempt int `json:"attempt"`
}

// JobID derives the deterministic job identifier from the sweep identifier
// and the ordered parameter values: "<sweep>#k=v,k=v".
func JobID(sweepID string, params []Param) string {
	var b strings.Builder
	b.WriteString(sweepID)
	b.WriteString("#")
	for i, p := range params {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(p.Key)
		b.WriteString("=")
		b.WriteString(p.Value)
	}
	return b.String()
}

// KubeName returns a DNS-1123-safe scheduler object name for a job attempt.
// The logical job ID carries characters Kubernetes rejects, so the name is a
// hash of it; the full ID travels in an annotation.
func KubeName(jobID string, attempt int) string {
	sum := sha1.Sum([]byte(jobID))
	name := fmt.Sprintf("btq-%s", hex.EncodeToString(sum[:])[:10])
	if attempt > 0 {
		name += fmt.Sprintf("-r%d", attempt)
	}
	return name
}

// Count returns the number of jobs the spec expands to.
func (s *Spec) Count() int {
	if len(s.Points) > 0 {
		return len(s.Points)
	}
	n := 1
	for _, d := range s.Dimensions {
		n *= len(d.Values)
	}
	if len(s.Dimensions) == 0 {
		return 0
	}
	return n
}

// Validate checks the spec is well-formed and that expansion would yield
// distinct job identifiers.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("sweep id is required")
	}
	if s.Image == "" {
		return fmt.Errorf("sweep %s: image is required", s.ID)
	}
	if len(s.Dimensions) > 0 && len(s.Points) > 0 {
		return fmt.Errorf("sweep %s: dimensions and points are mutually exclusive", s.ID)
	}
	if len(s.Dimensions) == 0 && len(s.Points) == 0 {
		return fmt.Errorf("sweep %s: no dimensions or points", s.ID)
	}
	for _, d := range s.Dimensions {
		if len(d.Values) == 0 {
			return fmt.Errorf("sweep %s: dimension %q has no values", s.ID, d.Key)
		}
	}
	if len(s.Points) > 0 {
		seen := make(map[string]bool, len(s.Points))
		for _, point := range s.Points {
			id := JobID(s.ID, point)
			if seen[id] {
				return fmt.Errorf("sweep %s: duplicate point %s", s.ID, id)
			}
			seen[id] = true
		}
	}
	return nil
}

// Jobs lazily expands the sweep into JobSpecs, one per parameter point, in
// deterministic order. The sequence is finite and never materialized.
func (s *Spec) Jobs() iter.Seq[JobSpec] {
	return func(yield func(JobSpec) bool) {
		if len(s.Points) > 0 {
			for _, point := range s.Points {
				if !yield(s.job(point)) {
					return
				}
			}
			return
		}

		// Odometer over the dimensions, last dimension fastest.
		idx := make([]int, len(s.Dimensions))
		for {
			params := make([]Param, len(s.Dimensions))
			for i, d := range s.Dimensions {
				params[i] = Param{Key: d.Key, Value: d.Values[idx[i]]}
			}
			if !yield(s.job(params)) {
				return
			}

			pos := len(idx) - 1
			for pos >= 0 {
				idx[pos]++
				if idx[pos] < len(s.Dimensions[pos].Values) {
					break
				}
				idx[pos] = 0
				pos--
			}
			if pos < 0 {
				return
			}
		}
	}
}

func (s *Spec) job(params []Param) JobSpec {
	id := JobID(s.ID, params)
	spec := JobSpec{
		ID:          id,
		SweepID:     s.ID,
		Params:      params,
		Image:       s.Image,
		ImageDigest: s.ImageDigest,
		OutputKey:   btart.JobPrefix(s.ID, id),
	}
	for _, p := range params {
		if p.Key == "seed" {
			if seed, err := strconv.ParseInt(p.Value, 10, 64); err == nil {
				spec.Seed = seed
			}
		}
	}
	return spec
}
