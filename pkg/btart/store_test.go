package btart

import "testing"

func TestArtifactChecksum(t *testing.T) {
	cases := []struct {
		name     string
		artifact *Artifact
		want     string
	}{
		{"nil artifact", nil, ""},
		{"no metadata", &Artifact{}, ""},
		{"exact key", &Artifact{Metadata: map[string]string{"sha256": "abc"}}, "abc"},
		// minio returns user metadata with canonical header casing.
		{"canonical header casing", &Artifact{Metadata: map[string]string{"Sha256": "abc"}}, "abc"},
		{"unrelated keys only", &Artifact{Metadata: map[string]string{"Content-Kind": "stats"}}, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.artifact.Checksum(); got != c.want {
				t.Errorf("Checksum() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestStorageKeys(t *testing.T) {
	if got := SweepPrefix("sweep-1"); got != "sweeps/sweep-1/" {
		t.Errorf("SweepPrefix = %q", got)
	}
	if got := JobPrefix("sweep-1", "sweep-1#seed=1"); got != "sweeps/sweep-1/jobs/sweep-1#seed=1/" {
		t.Errorf("JobPrefix = %q", got)
	}
	if got := JobKey("sweep-1", "sweep-1#seed=1", "result.json"); got != "sweeps/sweep-1/jobs/sweep-1#seed=1/result.json" {
		t.Errorf("JobKey = %q", got)
	}
}
