// Package registry publishes runtime images to the shared registry.
//
// Publication is idempotent: the tag namespace is the only globally shared
// mutable resource in the pipeline, and it is kept safe by deterministic tag
// derivation rather than locking. Pushing a tag that is already present with
// identical content is a no-op.
package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/quantfold/btq/pkg/bterr"
	"github.com/quantfold/btq/pkg/btlog"
	btqimage "github.com/quantfold/btq/pkg/image"
)

// Credentials authenticate a push to the registry. They are consumed, not
// issued, here and must never appear in logs.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) encoded() (string, error) {
	auth := registry.AuthConfig{Username: c.Username, Password: c.Password}
	buf, err := json.Marshal(auth)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// API is the slice of the Docker daemon API the publisher consumes.
type API interface {
	DistributionInspect(ctx context.Context, imageRef, encodedRegistryAuth string) (registry.DistributionInspect, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
}

// Publisher pushes built images under their deterministic tags.
type Publisher struct {
	cli   API
	creds Credentials
	log   *btlog.Logger

	// Attempts bounds the retry loop; Backoff is the initial delay, doubled
	// per attempt. Zero values select the defaults (3 attempts, 1s).
	Attempts int
	Backoff  time.Duration
}

// NewPublisher creates a Publisher talking to the environment-configured
// daemon.
func NewPublisher(creds Credentials, log *btlog.Logger) (*Publisher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return NewPublisherWithClient(cli, creds, log), nil
}

// NewPublisherWithClient creates a Publisher with an explicit API client.
func NewPublisherWithClient(cli API, creds Credentials, log *btlog.Logger) *Publisher {
	return &Publisher{cli: cli, creds: creds, log: log}
}

// Publish pushes img to the registry and confirms the tag is pullable.
//
// If the registry already serves the tag, the push is skipped: identical
// content re-pushed is a no-op from the consumer's perspective, and the tag
// cannot name different content because it is derived from the content's
// inputs. Authentication failures surface as bterr.CodeAuth, any other
// transport failure as bterr.CodePush; both are retried with bounded
// exponential backoff before turning fatal.
func (p *Publisher) Publish(ctx context.Context, img btqimage.RuntimeImage) error {
	auth, err := p.creds.encoded()
	if err != nil {
		return bterr.New(bterr.CodeAuth, err)
	}

	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return bterr.New(bterr.CodePush, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := p.publishOnce(ctx, img, auth)
		if err == nil {
			return nil
		}
		lastErr = err

		p.log.Warn("publish attempt failed", "ref", img.Ref(), "attempt", attempt, "error", err)
	}
	return lastErr
}

func (p *Publisher) publishOnce(ctx context.Context, img btqimage.RuntimeImage, auth string) error {
	if present, err := p.tagPresent(ctx, img, auth); err != nil {
		return err
	} else if present {
		p.log.Info("tag already present in registry, push is a no-op", "ref", img.Ref())
		return nil
	}

	rc, err := p.cli.ImagePush(ctx, img.Ref(), image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return classify(err)
	}
	defer rc.Close()

	if err := drainPushStream(rc); err != nil {
		return err
	}

	p.log.Info("image published", "ref", img.Ref())
	return nil
}

// tagPresent asks the registry whether the tag already resolves to the same
// content as the local image: the remote manifest digest has to match one of
// the local repo digests. A missing tag is the common case and not an error,
// and a tag whose content cannot be confirmed is pushed again — the registry
// deduplicates identical layers, so a redundant push is cheap.
func (p *Publisher) tagPresent(ctx context.Context, img btqimage.RuntimeImage, auth string) (bool, error) {
	dist, err := p.cli.DistributionInspect(ctx, img.Ref(), auth)
	if err != nil {
		if isAuthErr(err) {
			return false, bterr.New(bterr.CodeAuth, err)
		}
		// Missing tag or inspection failure: let the push decide.
		return false, nil
	}
	if dist.Descriptor.Digest == "" {
		return false, nil
	}

	local, _, err := p.cli.ImageInspectWithRaw(ctx, img.Ref())
	if err != nil {
		return false, nil
	}
	want := "@" + dist.Descriptor.Digest.String()
	for _, rd := range local.RepoDigests {
		if strings.HasSuffix(rd, want) {
			return true, nil
		}
	}
	return false, nil
}

func drainPushStream(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return bterr.New(bterr.CodePush, fmt.Errorf("reading push output: %w", err))
		}
		if msg.Error != nil {
			return classify(fmt.Errorf("%s", msg.Error.Message))
		}
	}
}

func classify(err error) error {
	if isAuthErr(err) {
		return bterr.New(bterr.CodeAuth, err)
	}
	return bterr.New(bterr.CodePush, err)
}

func isAuthErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "authentication required") ||
		strings.Contains(msg, "denied")
}
