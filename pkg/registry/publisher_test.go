package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/image"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/quantfold/btq/pkg/bterr"
	"github.com/quantfold/btq/pkg/btlog"
	btqimage "github.com/quantfold/btq/pkg/image"
)

// fakeDaemon scripts the registry-facing daemon calls.
type fakeDaemon struct {
	present     bool
	repoDigests []string
	inspectErr  error
	pushErr     error
	pushStream  string
	pushes      int
}

func (f *fakeDaemon) DistributionInspect(context.Context, string, string) (dockerregistry.DistributionInspect, error) {
	if f.inspectErr != nil {
		return dockerregistry.DistributionInspect{}, f.inspectErr
	}
	if !f.present {
		return dockerregistry.DistributionInspect{}, errors.New("manifest unknown")
	}
	return dockerregistry.DistributionInspect{
		Descriptor: ocispec.Descriptor{Digest: digest.Digest("sha256:deadbeef")},
	}, nil
}

func (f *fakeDaemon) ImageInspectWithRaw(context.Context, string) (image.InspectResponse, []byte, error) {
	return image.InspectResponse{RepoDigests: f.repoDigests}, nil, nil
}

func (f *fakeDaemon) ImagePush(context.Context, string, image.PushOptions) (io.ReadCloser, error) {
	f.pushes++
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	stream := f.pushStream
	if stream == "" {
		stream = `{"status":"Pushed"}`
	}
	return io.NopCloser(strings.NewReader(stream)), nil
}

func testImage() btqimage.RuntimeImage {
	return btqimage.RuntimeImage{Repo: "registry.local/backtests", Tag: "abc123-h1"}
}

func newTestPublisher(f *fakeDaemon) *Publisher {
	p := NewPublisherWithClient(f, Credentials{Username: "ci", Password: "secret"}, btlog.NewQuiet())
	p.Backoff = time.Millisecond
	return p
}

func TestPublish_AlreadyPresentIsNoOp(t *testing.T) {
	f := &fakeDaemon{
		present:     true,
		repoDigests: []string{"registry.local/backtests@sha256:deadbeef"},
	}
	p := newTestPublisher(f)

	if err := p.Publish(context.Background(), testImage()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if f.pushes != 0 {
		t.Errorf("expected no push for an already-present tag, got %d", f.pushes)
	}

	// push(push(I)) == push(I): publishing again changes nothing.
	if err := p.Publish(context.Background(), testImage()); err != nil {
		t.Fatalf("second Publish failed: %v", err)
	}
	if f.pushes != 0 {
		t.Errorf("expected repeated publish to remain a no-op, got %d pushes", f.pushes)
	}
}

func TestPublish_PushesMissingTag(t *testing.T) {
	f := &fakeDaemon{}
	p := newTestPublisher(f)

	if err := p.Publish(context.Background(), testImage()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if f.pushes != 1 {
		t.Errorf("expected exactly one push, got %d", f.pushes)
	}
}

func TestPublish_RemoteDigestMismatchPushes(t *testing.T) {
	// The tag resolves remotely but to content the local image never carried:
	// a resolvable tag alone must not skip the push.
	f := &fakeDaemon{
		present:     true,
		repoDigests: []string{"registry.local/backtests@sha256:0ddba11"},
	}
	p := newTestPublisher(f)

	if err := p.Publish(context.Background(), testImage()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if f.pushes != 1 {
		t.Errorf("expected a push when remote digest differs, got %d", f.pushes)
	}
}

func TestPublish_UnconfirmedLocalDigestPushes(t *testing.T) {
	// A local image with no repo digests yet cannot confirm the remote tag.
	f := &fakeDaemon{present: true}
	p := newTestPublisher(f)

	if err := p.Publish(context.Background(), testImage()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if f.pushes != 1 {
		t.Errorf("expected a push when content cannot be confirmed, got %d", f.pushes)
	}
}

func TestPublish_AuthErrorSurfaces(t *testing.T) {
	f := &fakeDaemon{pushErr: errors.New("unauthorized: incorrect username or password")}
	p := newTestPublisher(f)

	err := p.Publish(context.Background(), testImage())
	if !bterr.IsCode(err, bterr.CodeAuth) {
		t.Errorf("expected auth error, got %v", err)
	}
	if f.pushes != 3 {
		t.Errorf("expected 3 bounded attempts, got %d", f.pushes)
	}
}

func TestPublish_TransportErrorRetriesThenFatal(t *testing.T) {
	f := &fakeDaemon{pushErr: fmt.Errorf("connection reset by peer")}
	p := newTestPublisher(f)

	err := p.Publish(context.Background(), testImage())
	if !bterr.IsCode(err, bterr.CodePush) {
		t.Errorf("expected push error, got %v", err)
	}
	if f.pushes != 3 {
		t.Errorf("expected 3 bounded attempts, got %d", f.pushes)
	}
}

func TestPublish_StreamErrorDetected(t *testing.T) {
	f := &fakeDaemon{pushStream: `{"errorDetail":{"message":"blob upload invalid"},"error":"blob upload invalid"}`}
	p := newTestPublisher(f)

	err := p.Publish(context.Background(), testImage())
	if !bterr.IsCode(err, bterr.CodePush) {
		t.Errorf("expected push error from stream, got %v", err)
	}
}
