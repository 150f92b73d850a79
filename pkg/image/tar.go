package image

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"time"
)

// epoch is the fixed timestamp stamped on every context entry. Reproducible
// builds require the context stream itself to be byte-identical across
// hosts, so wall-clock mtimes must not leak in.
var epoch = time.Unix(0, 0)

// ContextTar packages a build-context directory into a deterministic tar
// stream: entries sorted by path, timestamps zeroed, ownership normalized.
func ContextTar(dir string) (io.Reader, error) {
	paths, err := contextPaths(dir)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, rel := range paths {
		full := filepath.Join(dir, rel)
		info, err := os.Stat(full)
		if err != nil {
			return nil, err
		}

		mode := int64(0o644)
		if info.Mode()&0o111 != 0 {
			mode = 0o755
		}
		hdr := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    mode,
			Size:    info.Size(),
			ModTime: epoch,
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}

		f, err := os.Open(full)
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
