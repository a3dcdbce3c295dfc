package packs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// RegistryClient pushes and pulls instruction packs from OCI registries.
type RegistryClient struct {
	// PlainHTTP allows insecure registries (for dev/test).
	PlainHTTP bool
	// Username for registry auth (anonymous if empty).
	Username string
	// Password for registry auth.
	Password string
}

// NewRegistryClient creates a client for OCI registry operations.
func NewRegistryClient() *RegistryClient {
	return &RegistryClient{}
}

// WithAuth sets credentials for registry authentication.
func (rc *RegistryClient) WithAuth(username, password string) *RegistryClient {
	rc.Username = username
	rc.Password = password
	return rc
}

// WithPlainHTTP enables HTTP (non-TLS) for dev registries.
func (rc *RegistryClient) WithPlainHTTP(plain bool) *RegistryClient {
	rc.PlainHTTP = plain
	return rc
}

// PushResult holds the outcome of pushing a pack to a registry.
type PushResult struct {
	Ref         string   `json:"ref"`
	Digest      string   `json:"digest"`
	ConfigSize  int64    `json:"configSize"`
	ContentSize int64    `json:"contentSize"`
	Files       []string `json:"files"`
}

// PullResult holds the outcome of pulling a pack from a registry.
type PullResult struct {
	Ref      string    `json:"ref"`
	Digest   string    `json:"digest"`
	Size     int64     `json:"size"`
	Manifest *Manifest `json:"manifest,omitempty"`
}

// Push packages a pack directory and pushes it to an OCI registry.
func (rc *RegistryClient) Push(ctx context.Context, dir string, ref *Ref) (*PushResult, error) {
	bundle, err := PackDir(dir)
	if err != nil {
		return nil, fmt.Errorf("pack bundle: %w", err)
	}

	store := memory.New()

	configDesc, err := oras.PushBytes(ctx, store, MediaTypeConfig, bundle.Config)
	if err != nil {
		return nil, fmt.Errorf("push config to memory: %w", err)
	}
	contentDesc, err := oras.PushBytes(ctx, store, MediaTypeContent, bundle.Content)
	if err != nil {
		return nil, fmt.Errorf("push content to memory: %w", err)
	}

	packOpts := oras.PackManifestOptions{
		Layers: []ocispec.Descriptor{contentDesc},
	}
	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, ArtifactType, packOpts)
	if err != nil {
		return nil, fmt.Errorf("pack manifest: %w", err)
	}

	tag := ref.Tag
	if tag == "" {
		tag = bundle.Manifest.Version
	}
	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return nil, fmt.Errorf("tag manifest: %w", err)
	}

	repo, err := rc.repository(ref)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}

	copyDesc, err := oras.Copy(ctx, store, tag, repo, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, fmt.Errorf("push to registry: %w", err)
	}

	return &PushResult{
		Ref:         ref.String(),
		Digest:      copyDesc.Digest.String(),
		ConfigSize:  configDesc.Size,
		ContentSize: contentDesc.Size,
		Files:       bundle.Manifest.Files,
	}, nil
}

// Pull downloads a pack and returns its content layer bytes plus metadata.
func (rc *RegistryClient) Pull(ctx context.Context, ref *Ref) ([]byte, *PullResult, error) {
	repo, err := rc.repository(ref)
	if err != nil {
		return nil, nil, fmt.Errorf("connect registry: %w", err)
	}

	store := memory.New()
	pullRef := ref.Tag
	if ref.Digest != "" {
		pullRef = ref.Digest
	}
	if pullRef == "" {
		pullRef = "latest"
	}

	manifestDesc, err := oras.Copy(ctx, repo, pullRef, store, pullRef, oras.DefaultCopyOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("pull from registry: %w", err)
	}

	reader, err := store.Fetch(ctx, manifestDesc)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch manifest: %w", err)
	}
	manifestData, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("read manifest: %w", err)
	}

	var ociManifest ocispec.Manifest
	if err := json.Unmarshal(manifestData, &ociManifest); err != nil {
		return nil, nil, fmt.Errorf("parse manifest: %w", err)
	}

	var contentData []byte
	for _, layer := range ociManifest.Layers {
		if layer.MediaType != MediaTypeContent {
			continue
		}
		r, err := store.Fetch(ctx, layer)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch content layer: %w", err)
		}
		contentData, err = io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read content layer: %w", err)
		}
	}
	if contentData == nil {
		return nil, nil, fmt.Errorf("no content layer in manifest for %s", ref)
	}

	result := &PullResult{
		Ref:    ref.String(),
		Digest: manifestDesc.Digest.String(),
		Size:   manifestDesc.Size,
	}
	if ociManifest.Config.Size > 0 {
		if r, err := store.Fetch(ctx, ociManifest.Config); err == nil {
			configData, _ := io.ReadAll(r)
			r.Close()
			var m Manifest
			if json.Unmarshal(configData, &m) == nil {
				result.Manifest = &m
			}
		}
	}

	return contentData, result, nil
}

// PullToDir downloads and extracts a pack into destDir.
func (rc *RegistryClient) PullToDir(ctx context.Context, ref *Ref, destDir string) (*PullResult, error) {
	content, result, err := rc.Pull(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := Unpack(content, destDir); err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	return result, nil
}

func (rc *RegistryClient) repository(ref *Ref) (*remote.Repository, error) {
	repo, err := remote.NewRepository(fmt.Sprintf("%s/%s", ref.Registry, ref.Path))
	if err != nil {
		return nil, err
	}
	repo.PlainHTTP = rc.PlainHTTP
	if rc.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(ref.Registry, auth.Credential{
				Username: rc.Username,
				Password: rc.Password,
			}),
		}
	}
	return repo, nil
}
