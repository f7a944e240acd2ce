package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"
	"strings"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"golang.org/x/sync/singleflight"

	"github.com/cruciblehq/kiln/internal/build"
)

const (

	// Snapshotter used for container filesystems. fuse-overlayfs provides
	// overlay semantics without requiring root privileges (no mount(2)),
	// allowing kiln to run as a regular user.
	snapshotter = "fuse-overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

var (
	_ build.Provider = (*Runtime)(nil)
	_ build.Context  = (*Container)(nil)
)

// Connection settings for a [Runtime].
type Config struct {
	Address   string // Path to the containerd socket.
	Namespace string // Namespace scoping all containerd operations.
	Platform  string // OCI platform for build contexts (e.g., "linux/arm64"). Defaults to the host.
}

// Provides build contexts backed by containerd containers.
//
// Images are pulled from registries, or imported when the reference names a
// local OCI archive ("*.tar"), and unpacked for the configured platform.
// Concurrent requests for the same image share one pull.
type Runtime struct {
	client   *containerd.Client // Containerd client for managing containers and images.
	platform string             // Normalized OCI platform of all contexts.
	pulls    singleflight.Group // Deduplicates concurrent image preparation.
}

// Creates a runtime connected to the containerd socket.
//
// The runtime must be closed when no longer needed.
func New(cfg Config) (*Runtime, error) {
	platform, err := normalizePlatform(cfg.Platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	client, err := containerd.New(cfg.Address, containerd.WithDefaultNamespace(cfg.Namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	return &Runtime{client: client, platform: platform}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Creates a build context from an image reference.
//
// The image is made available for the runtime's platform, a container is
// created with a fresh snapshot, and a long-running task (sleep infinity) is
// started so that subsequent commands have a running process to attach to.
// Any stale container with the same ID is removed first. Building for a
// platform other than the host requires QEMU / binfmt_misc support in the
// kernel.
func (rt *Runtime) CreateContext(ctx context.Context, ref, id string) (build.Context, error) {
	tag, err := rt.prepareImage(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: image %s: %w", ErrRuntime, ref, err)
	}

	c := &Container{
		client:   rt.client,
		id:       id,
		platform: rt.platform,
	}

	// Remove any stale container from an interrupted build with the same ID.
	c.remove(ctx)

	image, err := rt.resolveImage(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	ctr, err := c.create(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := c.startTask(ctx, ctr); err != nil {
		ctr.Delete(context.WithoutCancel(ctx), containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("container started", "id", id, "image", tag, "platform", rt.platform)

	return c, nil
}

// Makes an image available locally and unpacked, returning its tag.
func (rt *Runtime) prepareImage(ctx context.Context, ref string) (string, error) {
	v, err, _ := rt.pulls.Do(ref, func() (any, error) {
		if isArchive(ref) {
			return rt.importImage(ctx, ref)
		}
		return rt.pullImage(ctx, ref)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Pulls an image from its registry unless it is already present.
func (rt *Runtime) pullImage(ctx context.Context, ref string) (string, error) {
	if _, err := rt.client.ImageService().Get(ctx, ref); err == nil {
		return ref, rt.unpackImage(ctx, ref)
	} else if !errdefs.IsNotFound(err) {
		return "", err
	}

	p, err := platforms.Parse(rt.platform)
	if err != nil {
		return "", err
	}

	slog.Info("pulling image", "ref", ref, "platform", rt.platform)

	img, err := rt.client.Pull(ctx, ref,
		containerd.WithPlatformMatcher(platforms.Only(p)),
		containerd.WithPullUnpack,
		containerd.WithPullSnapshotter(snapshotter),
	)
	if err != nil {
		return "", err
	}

	return img.Name(), nil
}

// Imports an OCI archive and tags it under a name derived from its path.
func (rt *Runtime) importImage(ctx context.Context, path string) (string, error) {
	tag := imageTag(path)

	source, err := rt.importArchive(ctx, path)
	if err != nil {
		return "", err
	}
	if err := rt.tagImage(ctx, source, tag); err != nil {
		return "", err
	}
	if err := rt.unpackImage(ctx, tag); err != nil {
		return "", err
	}

	slog.Debug("image imported", "path", path, "tag", tag)
	return tag, nil
}

// Imports an OCI archive into the content store.
//
// The archive must contain exactly one image. Multi-platform archives
// are supported (single OCI index with per-platform manifests).
func (rt *Runtime) importArchive(ctx context.Context, path string) (images.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Image{}, err
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return images.Image{}, err
	}

	// One record per image in the archive's index.json. A multi-platform
	// archive still has a single record; platform selection happens later.
	switch {
	case len(imported) == 0:
		return images.Image{}, ErrEmptyArchive
	case len(imported) > 1:
		return images.Image{}, ErrMultipleImages
	}

	return imported[0], nil
}

// Tags an imported image under a deterministic name.
//
// Updates the tag if it already exists. Removes the source record when
// its name differs from the tag to avoid duplicates.
func (rt *Runtime) tagImage(ctx context.Context, source images.Image, tag string) error {
	is := rt.client.ImageService()

	img := images.Image{
		Name:   tag,
		Target: source.Target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}

	if source.Name != tag {
		_ = is.Delete(ctx, source.Name)
	}

	return nil
}

// Unpacks the image layers for the runtime's platform into the snapshotter.
func (rt *Runtime) unpackImage(ctx context.Context, tag string) error {
	image, err := rt.resolveImage(ctx, tag)
	if err != nil {
		return err
	}

	return image.Unpack(ctx, snapshotter)
}

// Looks up a tagged image and selects the manifest for the runtime's
// platform.
func (rt *Runtime) resolveImage(ctx context.Context, tag string) (containerd.Image, error) {
	p, err := platforms.Parse(rt.platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Reports whether an image reference names a local OCI archive.
func isArchive(ref string) bool {
	return strings.HasSuffix(ref, ".tar") && !strings.Contains(ref, "@")
}

// Produces a containerd image tag from an archive path.
//
// The path is hashed to produce a tag that is always valid for OCI references
// regardless of which characters the path contains.
func imageTag(path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("import/%s:latest", hex.EncodeToString(h[:]))
}

// Returns the default OCI platform for the host architecture.
func defaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}

// Parses and normalizes a platform string. Empty selects the host.
func normalizePlatform(platform string) (string, error) {
	if platform == "" {
		return defaultPlatform(), nil
	}
	p, err := platforms.Parse(platform)
	if err != nil {
		return "", err
	}
	return platforms.Format(p), nil
}
