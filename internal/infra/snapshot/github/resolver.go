// Package github resolves GitHub repositories to pinned commits and checks
// those commits out on local disk for detectors to scan.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gogithub "github.com/google/go-github/v57/github"
	regexp "github.com/wasilibs/go-re2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/internal/infra/githubapi"
	"github.com/ahrav/oss-health-monitor/pkg/common"
	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
)

// DefaultCloneURL is the clone URL template; it receives owner and name.
const DefaultCloneURL = "https://github.com/%s/%s.git"

var commitHashPattern = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

// Config controls how snapshots are resolved and materialized.
type Config struct {
	// CloneURL is a fmt template receiving owner and name.
	CloneURL string
	// WorkDir is the parent of every checkout. Empty means os.TempDir().
	WorkDir string
	// Token authenticates clones of private repositories.
	Token string
	// Depth limits the history fetched by the first clone attempt. Zero
	// fetches full history for the resolved ref.
	Depth int
	Retry common.RetryPolicy
}

// DefaultConfig returns a configuration for public github.com repositories.
func DefaultConfig() Config {
	return Config{
		CloneURL: DefaultCloneURL,
		Depth:    1,
		Retry: common.RetryPolicy{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			MaxElapsedTime:  30 * time.Second,
			MaxRetries:      3,
		},
	}
}

// Resolver implements scanning.SnapshotResolver against GitHub.
type Resolver struct {
	client  *gogithub.Client
	limiter *common.RateLimiter
	cfg     Config
	auth    transport.AuthMethod

	logger *logger.Logger
	tracer trace.Tracer
}

var _ scanning.SnapshotResolver = (*Resolver)(nil)

// NewResolver creates a Resolver. The limiter is shared with other GitHub API
// consumers and may be nil.
func NewResolver(
	client *gogithub.Client,
	limiter *common.RateLimiter,
	cfg Config,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Resolver {
	if cfg.CloneURL == "" {
		cfg.CloneURL = DefaultCloneURL
	}
	if cfg.Retry == (common.RetryPolicy{}) {
		cfg.Retry = DefaultConfig().Retry
	}
	if limiter == nil {
		limiter = common.NewRateLimiter(0, 1)
	}

	r := &Resolver{
		client:  client,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With("component", "github_snapshot_resolver"),
		tracer:  tracer,
	}
	if cfg.Token != "" {
		// GitHub accepts any non-empty username alongside a token.
		r.auth = &githttp.BasicAuth{Username: "token", Password: cfg.Token}
	}
	return r
}

// Resolve pins refHint, or the default branch when it is empty, to a commit.
func (r *Resolver) Resolve(ctx context.Context, repo scanning.RepositoryIdentity, refHint string) (scanning.SnapshotRef, error) {
	ctx, span := r.tracer.Start(ctx, "github_resolver.resolve",
		trace.WithAttributes(
			attribute.String("repository", repo.String()),
			attribute.String("ref_hint", refHint),
		))
	defer span.End()

	fail := func(err error) (scanning.SnapshotRef, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolution failed")
		return scanning.SnapshotRef{}, err
	}

	ref := strings.TrimSpace(refHint)
	if ref == "" {
		var defaultBranch string
		err := r.call(ctx, repo, func() error {
			meta, _, err := r.client.Repositories.Get(ctx, repo.Owner, repo.Name)
			if err != nil {
				return err
			}
			defaultBranch = meta.GetDefaultBranch()
			return nil
		})
		if err != nil {
			return fail(err)
		}
		if defaultBranch == "" {
			return fail(scanning.NewResolutionError(repo, scanning.ResolutionNotFound, errors.New("repository has no default branch")))
		}
		ref = defaultBranch
		span.AddEvent("default_branch_resolved", trace.WithAttributes(attribute.String("ref", ref)))
	}

	var sha string
	err := r.call(ctx, repo, func() error {
		var err error
		sha, _, err = r.client.Repositories.GetCommitSHA1(ctx, repo.Owner, repo.Name, ref, "")
		return err
	})
	if err != nil {
		return fail(err)
	}

	snap, err := scanning.NewSnapshotRef(repo, ref, sha)
	if err != nil {
		return fail(scanning.NewResolutionError(repo, scanning.ResolutionNotFound, err))
	}
	span.SetAttributes(attribute.String("commit_sha", snap.CommitSHA))
	r.logger.Debug(ctx, "Resolved snapshot", "repository", repo.String(), "ref", ref, "commit_sha", snap.CommitSHA)
	return snap, nil
}

// call runs one rate-limited API request, retrying network failures.
func (r *Resolver) call(ctx context.Context, repo scanning.RepositoryIdentity, fn func() error) error {
	op := func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := fn(); err != nil {
			return classifyAPIError(repo, err)
		}
		return nil
	}
	retryable := func(err error) bool {
		var resErr *scanning.ResolutionError
		return errors.As(err, &resErr) && resErr.Retryable() && !githubapi.IsRateLimited(err)
	}

	err := common.Retry(ctx, r.cfg.Retry, op, retryable)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func classifyAPIError(repo scanning.RepositoryIdentity, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	switch status := githubapi.StatusCode(err); {
	case githubapi.IsRateLimited(err):
		return scanning.NewResolutionError(repo, scanning.ResolutionNetworkFailure, err)
	case status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		// 422 is returned for refs that do not exist.
		return scanning.NewResolutionError(repo, scanning.ResolutionNotFound, err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return scanning.NewResolutionError(repo, scanning.ResolutionAuthRequired, err)
	default:
		return scanning.NewResolutionError(repo, scanning.ResolutionNetworkFailure, err)
	}
}

// Materialize checks the pinned commit out into a fresh directory under
// WorkDir. The returned release func removes the checkout.
func (r *Resolver) Materialize(ctx context.Context, ref scanning.SnapshotRef) (scanning.Snapshot, func(), error) {
	ctx, span := r.tracer.Start(ctx, "github_resolver.materialize",
		trace.WithAttributes(
			attribute.String("repository", ref.Repository.String()),
			attribute.String("commit_sha", ref.CommitSHA),
		))
	defer span.End()

	root, err := os.MkdirTemp(r.cfg.WorkDir, fmt.Sprintf("snapshot-%s-%s-", ref.Repository.Owner, ref.Repository.Name))
	if err != nil {
		span.RecordError(err)
		return scanning.Snapshot{}, nil, fmt.Errorf("creating checkout directory: %w", err)
	}
	release := func() {
		if err := os.RemoveAll(root); err != nil {
			r.logger.Warn(context.Background(), "Failed to remove checkout", "path", root, "error", err)
		}
	}

	path, err := r.checkout(ctx, root, ref)
	if err != nil {
		release()
		if ctx.Err() != nil {
			return scanning.Snapshot{}, nil, ctx.Err()
		}
		err = classifyCloneError(ref.Repository, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout failed")
		return scanning.Snapshot{}, nil, err
	}

	r.logger.Debug(ctx, "Materialized snapshot", "snapshot", ref.String(), "path", path)
	return scanning.Snapshot{Ref: ref, Path: path}, release, nil
}

// checkout first clones only the resolved ref, which is enough when the ref
// still points at the pinned commit. Otherwise it falls back to a full clone
// and checks the commit out explicitly.
func (r *Resolver) checkout(ctx context.Context, root string, ref scanning.SnapshotRef) (string, error) {
	url := fmt.Sprintf(r.cfg.CloneURL, ref.Repository.Owner, ref.Repository.Name)

	if ref.Ref != "" && !commitHashPattern.MatchString(ref.Ref) {
		candidates := []plumbing.ReferenceName{
			plumbing.NewBranchReferenceName(ref.Ref),
			plumbing.NewTagReferenceName(ref.Ref),
		}
		for i, name := range candidates {
			path := filepath.Join(root, fmt.Sprintf("ref-%d", i))
			head, err := r.clone(ctx, path, &git.CloneOptions{
				URL:           url,
				Auth:          r.auth,
				ReferenceName: name,
				SingleBranch:  true,
				Depth:         r.cfg.Depth,
				Tags:          git.NoTags,
			})
			if err == nil {
				if strings.EqualFold(head, ref.CommitSHA) {
					return path, nil
				}
				_ = os.RemoveAll(path)
				break
			}
			if isFatalCloneError(err) || ctx.Err() != nil {
				return "", err
			}
			_ = os.RemoveAll(path)
		}
		trace.SpanFromContext(ctx).AddEvent("ref_moved_full_clone")
	}

	path := filepath.Join(root, "full")
	repo, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:        url,
		Auth:       r.auth,
		NoCheckout: true,
	})
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(ref.CommitSHA), Force: true}); err != nil {
		return "", fmt.Errorf("checking out %s: %w", ref.CommitSHA, err)
	}
	return path, nil
}

func (r *Resolver) clone(ctx context.Context, path string, opts *git.CloneOptions) (string, error) {
	repo, err := git.PlainCloneContext(ctx, path, false, opts)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", err
	}
	return head.Hash().String(), nil
}

func isFatalCloneError(err error) bool {
	return errors.Is(err, transport.ErrRepositoryNotFound) ||
		errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrAuthorizationFailed)
}

func classifyCloneError(repo scanning.RepositoryIdentity, err error) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound), errors.Is(err, plumbing.ErrObjectNotFound):
		return scanning.NewResolutionError(repo, scanning.ResolutionNotFound, err)
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return scanning.NewResolutionError(repo, scanning.ResolutionAuthRequired, err)
	default:
		return scanning.NewResolutionError(repo, scanning.ResolutionNetworkFailure, err)
	}
}
