// Package paramstore reads secrets from AWS Systems Manager Parameter Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client satisfies it.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter resolves a named parameter to its value.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads decrypted parameters through SSM.
type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

// Static serves parameters from a fixed map, for running without AWS.
type Static map[string]string

func (s Static) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := s[strings.TrimSpace(name)]
	if !ok {
		return "", fmt.Errorf("paramstore: parameter %q not set", name)
	}
	return v, nil
}

var (
	_ Getter = (*Client)(nil)
	_ Getter = Static(nil)
)
