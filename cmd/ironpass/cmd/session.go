package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmcleod/ironpass/attachment/s3blob"
	"github.com/jmcleod/ironpass/client"
	"github.com/jmcleod/ironpass/crypto"
	"github.com/jmcleod/ironpass/remote/httpremote"
)

const addressKeyPattern = "address-*.key"

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// passphrase returns IRONPASS_PASSPHRASE or prompts for one without echo.
func passphrase(cmd *cobra.Command, prompt string) (string, error) {
	if cfg.Passphrase != "" {
		return cfg.Passphrase, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal: set IRONPASS_PASSPHRASE")
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	pw, err := readPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pw), nil
}

func addressKeyPath(id string) string {
	return filepath.Join(cfg.DataDir, "address-"+id+".key")
}

// loadKeyring imports every exported address key in the data directory.
func loadKeyring(pass string) (*crypto.Keyring, error) {
	paths, err := filepath.Glob(filepath.Join(cfg.DataDir, addressKeyPattern))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no address keys in %s: run \"ironpass address new\"", cfg.DataDir)
	}
	ring := crypto.NewKeyring()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			ring.Destroy()
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		a, err := crypto.ImportAddressKey(data, pass)
		if err != nil {
			ring.Destroy()
			return nil, fmt.Errorf("importing %s: %w", filepath.Base(p), err)
		}
		ring.Add(a)
	}
	return ring, nil
}

func remoteClient() (*httpremote.Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("IRONPASS_TOKEN is required: issue one with \"ironpass token\"")
	}
	return httpremote.NewClient(strings.TrimRight(cfg.RemoteURL, "/"), cfg.Token, httpremote.WithClientLogger(logger)), nil
}

// openSession builds the signed-in user's client from configuration. The
// caller closes it.
func openSession(ctx context.Context, cmd *cobra.Command) (*client.Client, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("IRONPASS_USER is required")
	}
	api, err := remoteClient()
	if err != nil {
		return nil, err
	}
	pass, err := passphrase(cmd, "Passphrase: ")
	if err != nil {
		return nil, err
	}
	ring, err := loadKeyring(pass)
	if err != nil {
		return nil, err
	}
	rootKey, err := client.LocalStoreKey(cfg.DataDir, pass)
	if err != nil {
		ring.Destroy()
		return nil, err
	}
	store, err := client.OpenStore(ctx, cfg, rootKey)
	if err != nil {
		ring.Destroy()
		return nil, err
	}

	opts := []client.Option{client.WithLogger(logger), client.WithPageSize(cfg.PageSize)}
	if cfg.S3Bucket != "" {
		blobs, err := s3blob.New(ctx, s3blob.Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    "pending/" + cfg.UserID + "/",
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			store.Close()
			ring.Destroy()
			return nil, err
		}
		opts = append(opts, client.WithBlobStore(blobs))
	}

	c, err := client.New(ctx, cfg.UserID, api, ring, store, opts...)
	if err != nil {
		store.Close()
		ring.Destroy()
		return nil, err
	}
	return c, nil
}
