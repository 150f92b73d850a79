// Package pipeline glues the stages of a sweep launch together: resolve the
// source ref to a pin, build the runtime image, verify the namespace is
// provisioned, publish the image, and dispatch the sweep against it. Each
// stage is behind a small interface so the stages compose the same way in
// the CLI and in tests.
package pipeline

import (
	"context"

	"github.com/quantfold/btq/pkg/bterr"
	"github.com/quantfold/btq/pkg/btlog"
	"github.com/quantfold/btq/pkg/image"
	"github.com/quantfold/btq/pkg/pin"
	"github.com/quantfold/btq/pkg/sweep"
)

// Phase tracks how far a launch got. Phases advance monotonically; a fatal
// error freezes the outcome at the phase that failed.
type Phase string

const (
	PhaseResolving  Phase = "resolving"
	PhaseBuilding   Phase = "building"
	PhaseChecked    Phase = "checked"
	PhasePublished  Phase = "published"
	PhaseDispatched Phase = "dispatched"
)

// Resolver resolves a symbolic ref to an immutable pin.
type Resolver interface {
	Resolve(ctx context.Context, repo, ref string) (pin.Pin, error)
}

// Builder builds the runtime image for a pin.
type Builder interface {
	Build(ctx context.Context, p pin.Pin, opts image.BuildOptions) (image.RuntimeImage, error)
}

// Publisher pushes a built image to the registry.
type Publisher interface {
	Publish(ctx context.Context, img image.RuntimeImage) error
}

// Provisioner verifies the execution namespace holds the pull credential.
type Provisioner interface {
	Check(ctx context.Context, namespace string) error
}

// Dispatcher submits the sweep's jobs.
type Dispatcher interface {
	Submit(ctx context.Context, sw *sweep.Spec) ([]string, error)
}

// Pipeline runs a sweep launch end to end.
type Pipeline struct {
	Resolver    Resolver
	Builder     Builder
	Publisher   Publisher
	Provisioner Provisioner
	Dispatcher  Dispatcher
	Log         *btlog.Logger

	SourceRepo string
	SourceRef  string
	Namespace  string
	Build      image.BuildOptions
}

// Outcome reports the state a launch reached and what it produced.
type Outcome struct {
	Phase    Phase
	Pin      pin.Pin
	Image    image.RuntimeImage
	Accepted []string
}

// Run launches the sweep. The returned Outcome is valid even on error and
// records the phase the launch stopped in. Fatal errors (resolution, build,
// publish, determinism) abort; a partial submission is reported but leaves
// the accepted jobs running.
func (p *Pipeline) Run(ctx context.Context, sw *sweep.Spec) (*Outcome, error) {
	out := &Outcome{Phase: PhaseResolving}

	pn, err := p.Resolver.Resolve(ctx, p.SourceRepo, p.SourceRef)
	if err != nil {
		return out, err
	}
	out.Pin = pn
	p.Log.Info("ref resolved", "repo", pn.Repo, "commit", pn.Commit)

	out.Phase = PhaseBuilding
	img, err := p.Builder.Build(ctx, pn, p.Build)
	if err != nil {
		return out, err
	}
	out.Image = img
	// The build ran the image's embedded checks; an image only exists past
	// that gate, so a build failure freezes the outcome at Building.
	out.Phase = PhaseChecked
	p.Log.Info("image ready", "ref", img.Ref(), "digest", img.Digest)

	// The namespace check runs before the push: a sweep that cannot pull the
	// image should fail before the registry sees anything.
	if err := p.Provisioner.Check(ctx, p.Namespace); err != nil {
		return out, err
	}

	if err := p.Publisher.Publish(ctx, img); err != nil {
		return out, err
	}
	out.Phase = PhasePublished

	sw.Image = img.Ref()
	sw.ImageDigest = img.Digest
	accepted, err := p.Dispatcher.Submit(ctx, sw)
	out.Accepted = accepted
	if err != nil {
		if bterr.Fatal(err) {
			return out, err
		}
		// Partial submission: accepted jobs stay running, the caller retries
		// the rest with a re-dispatch.
		out.Phase = PhaseDispatched
		return out, err
	}
	out.Phase = PhaseDispatched

	p.Log.Info("sweep launched",
		"sweep", sw.ID, "image", img.Ref(), "accepted", len(accepted))
	return out, nil
}
