package image

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/quantfold/btq/pkg/bterr"
	"github.com/quantfold/btq/pkg/btlog"
	"github.com/quantfold/btq/pkg/pin"
)

// BuildOptions configures a single image build.
type BuildOptions struct {
	// Repo is "<registry-host>/<repo>"; the deterministic tag is appended.
	Repo string
	// ContextDir holds dependency manifests, entrypoints and strategy
	// configs. Its content hash participates in the tag.
	ContextDir string
	Dockerfile string
}

// API is the slice of the Docker daemon API the builder consumes.
type API interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
}

// Builder constructs runtime images via the Docker daemon.
type Builder struct {
	cli API
	log *btlog.Logger
}

// NewBuilder creates a Builder talking to the environment-configured daemon.
func NewBuilder(log *btlog.Logger) (*Builder, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Builder{cli: cli, log: log}, nil
}

// NewBuilderWithClient creates a Builder with an explicit API client.
func NewBuilderWithClient(cli API, log *btlog.Logger) *Builder {
	return &Builder{cli: cli, log: log}
}

// Build constructs the runtime image for the pin. It is idempotent: if the
// derived tag already exists locally the build is skipped and the existing
// image returned, otherwise the Dockerfile is built from a deterministic
// context stream. A failing build step (dependency install, embedded check)
// aborts with bterr.CodeBuild carrying the step's exit status; no image
// exists under the tag in that case, so nothing can reach the registry.
func (b *Builder) Build(ctx context.Context, p pin.Pin, opts BuildOptions) (RuntimeImage, error) {
	inputsHash, err := InputsHash(opts.ContextDir)
	if err != nil {
		return RuntimeImage{}, bterr.New(bterr.CodeBuild, fmt.Errorf("hashing build inputs: %w", err))
	}

	img := RuntimeImage{
		Repo: opts.Repo,
		Tag:  Tag(p, inputsHash),
	}

	if existing, _, err := b.cli.ImageInspectWithRaw(ctx, img.Ref()); err == nil {
		// Tag derivation is content-addressed, so an existing tag is the
		// same image; rebuilding would be a no-op.
		img.Digest = existing.ID
		b.log.Info("image already built, skipping", "ref", img.Ref())
		return img, nil
	}

	contextTar, err := ContextTar(opts.ContextDir)
	if err != nil {
		return RuntimeImage{}, bterr.New(bterr.CodeBuild, fmt.Errorf("packing build context: %w", err))
	}

	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	commit := p.Commit
	repo := p.Repo
	resp, err := b.cli.ImageBuild(ctx, contextTar, build.ImageBuildOptions{
		Tags:       []string{img.Ref()},
		Dockerfile: dockerfile,
		Remove:     true,
		BuildArgs: map[string]*string{
			"PIN_REPO":   &repo,
			"PIN_COMMIT": &commit,
		},
		Labels: map[string]string{
			"btq.pin-repo":    p.Repo,
			"btq.pin-commit":  p.Commit,
			"btq.inputs-hash": inputsHash,
		},
	})
	if err != nil {
		return RuntimeImage{}, bterr.New(bterr.CodeBuild, err)
	}
	defer resp.Body.Close()

	if err := drainBuildStream(resp.Body, b.log); err != nil {
		return RuntimeImage{}, err
	}

	built, _, err := b.cli.ImageInspectWithRaw(ctx, img.Ref())
	if err != nil {
		return RuntimeImage{}, bterr.New(bterr.CodeBuild, fmt.Errorf("inspecting built image: %w", err))
	}
	img.Digest = built.ID
	img.BuiltAt = time.Now().UTC()

	b.log.Info("image built", "ref", img.Ref(), "digest", img.Digest)
	return img, nil
}

// drainBuildStream consumes the daemon's jsonmessage stream, surfacing the
// first build error with its exit status.
func drainBuildStream(r io.Reader, log *btlog.Logger) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return bterr.New(bterr.CodeBuild, fmt.Errorf("reading build output: %w", err))
		}
		if msg.Error != nil {
			return bterr.New(bterr.CodeBuild, fmt.Errorf("build step failed (exit status %d): %s",
				msg.Error.Code, msg.Error.Message))
		}
		if msg.Stream != "" {
			log.Debug(msg.Stream)
		}
	}
}
