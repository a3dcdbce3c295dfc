package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus-qen/llmctl/internal/packs"
)

func newPackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Push and pull instruction packs from OCI registries",
	}
	cmd.AddCommand(newPackPushCmd(), newPackPullCmd())
	return cmd
}

func registryClient(plainHTTP bool) *packs.RegistryClient {
	client := packs.NewRegistryClient().WithPlainHTTP(plainHTTP)
	if user := os.Getenv("LLMCTL_REGISTRY_USER"); user != "" {
		client = client.WithAuth(user, os.Getenv("LLMCTL_REGISTRY_PASSWORD"))
	}
	return client
}

func newPackPushCmd() *cobra.Command {
	var plainHTTP bool

	cmd := &cobra.Command{
		Use:   "push <dir> <registry/path[:tag]>",
		Short: "Bundle a pack directory and push it to a registry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := packs.ParseRef(args[1])
			if err != nil {
				return err
			}
			result, err := registryClient(plainHTTP).Push(cmd.Context(), args[0], ref)
			if err != nil {
				return err
			}
			fmt.Printf("pushed %s\n  digest: %s\n  files:  %d\n", result.Ref, result.Digest, len(result.Files))
			return nil
		},
	}
	cmd.Flags().BoolVar(&plainHTTP, "plain-http", false, "use HTTP for the registry (dev only)")
	return cmd
}

func newPackPullCmd() *cobra.Command {
	var plainHTTP bool
	var dest string

	cmd := &cobra.Command{
		Use:   "pull <registry/path[:tag]>",
		Short: "Pull a pack and unpack it into a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := packs.ParseRef(args[0])
			if err != nil {
				return err
			}
			result, err := registryClient(plainHTTP).PullToDir(cmd.Context(), ref, dest)
			if err != nil {
				return err
			}
			fmt.Printf("pulled %s\n  digest: %s\n  dir:    %s\n", result.Ref, result.Digest, dest)
			if result.Manifest != nil {
				fmt.Printf("  pack:   %s@%s\n", result.Manifest.Name, result.Manifest.Version)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&plainHTTP, "plain-http", false, "use HTTP for the registry (dev only)")
	cmd.Flags().StringVarP(&dest, "output", "o", ".", "directory to unpack into")
	return cmd
}
