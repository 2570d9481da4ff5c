package acmeclient

import (
	"context"

	"golang.org/x/net/idna"

	ierrors "github.com/ic-boundary/certificate-issuer/errors"
)

// WithIDNA converts any unicode label in a name to its ASCII-compatible
// form before handing it to the wrapped Client. The ASCII form is what
// ends up on the issued certificate's subject.
type WithIDNA struct {
	Client
}

func (w WithIDNA) Order(ctx context.Context, name string) (string, string, error) {
	ascii, err := toASCII(name)
	if err != nil {
		return "", "", err
	}
	return w.Client.Order(ctx, ascii)
}

func (w WithIDNA) Finalize(ctx context.Context, orderURL, name string) ([]byte, []byte, error) {
	ascii, err := toASCII(name)
	if err != nil {
		return nil, nil, err
	}
	return w.Client.Finalize(ctx, orderURL, ascii)
}

func toASCII(name string) (string, error) {
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", ierrors.New(ierrors.Malformed, "name %q is not a valid IDNA label: %s", name, err)
	}
	return ascii, nil
}
