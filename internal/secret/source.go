package secret

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// ErrUnavailable means a configured source had nothing to offer, e.g. the
// passphrase file does not exist. The scope moves on to the next source.
var ErrUnavailable = errors.New("secret unavailable")

// ErrSource means a source failed in a way the run cannot ignore.
var ErrSource = errors.New("secret source failed")

// Source yields the secret value.
type Source interface {
	Name() string
	Secret(ctx context.Context) (string, error)
}

// FileSource reads the secret from a file, dropping one trailing "\n" or
// "\r\n". A lone trailing "\r" is part of the secret.
type FileSource struct {
	Path string
}

func (f FileSource) Name() string { return "file:" + f.Path }

func (f FileSource) Secret(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s does not exist", ErrUnavailable, f.Path)
	}
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrSource, f.Path, err)
	}
	value := string(data)
	if strings.HasSuffix(value, "\n") {
		value = strings.TrimSuffix(value, "\n")
		value = strings.TrimSuffix(value, "\r")
	}
	return value, nil
}

// FieldReader reads one field of a secret stored at path.
type FieldReader interface {
	ReadField(ctx context.Context, path, field string) (string, error)
}

// VaultSource reads the secret from a Vault path. When Client is nil,
// Connect is called to create one, so nothing talks to Vault unless the
// scope actually reaches this source.
type VaultSource struct {
	Client  FieldReader
	Connect func(ctx context.Context) (FieldReader, error)
	Path    string
	Field   string
}

func (v VaultSource) Name() string { return "vault:" + v.Path + "#" + v.Field }

func (v VaultSource) Secret(ctx context.Context) (string, error) {
	client := v.Client
	if client == nil {
		if v.Connect == nil {
			return "", fmt.Errorf("%w: no vault client", ErrSource)
		}
		var err error
		if client, err = v.Connect(ctx); err != nil {
			return "", fmt.Errorf("%w: connect to vault: %v", ErrSource, err)
		}
	}
	value, err := client.ReadField(ctx, v.Path, v.Field)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSource, err)
	}
	return value, nil
}
