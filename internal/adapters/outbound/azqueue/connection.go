package azqueue

import (
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// Connection describes how to reach a storage account. It is one of
// ConnectionString, ServiceClient or Credential.
type Connection interface {
	isConnection()
}

// ConnectionString is a storage account connection string.
type ConnectionString string

// ServiceClient reuses an already configured service client; client options
// such as the retry budget are not applied to it.
type ServiceClient struct {
	Client *azqueue.ServiceClient
}

// Credential addresses the queue service by URL. Exactly one of SharedKey and
// Token may be set; with neither the client is anonymous (SAS URL or emulator).
type Credential struct {
	ServiceURL string
	SharedKey  *azqueue.SharedKeyCredential
	Token      azcore.TokenCredential
}

func (ConnectionString) isConnection() {}
func (ServiceClient) isConnection()    {}
func (Credential) isConnection()       {}

// ErrInvalidConnection is wrapped by every ConnectionError.
var ErrInvalidConnection = errors.New("invalid queue connection")

// ConnectionError reports a connection value that cannot produce a client.
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrInvalidConnection, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrInvalidConnection, e.Reason)
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidConnection}
	}
	return []error{ErrInvalidConnection, e.Err}
}

// serviceClient resolves conn to a service client.
func serviceClient(conn Connection, opts *azqueue.ClientOptions) (*azqueue.ServiceClient, error) {
	switch c := conn.(type) {
	case ConnectionString:
		if c == "" {
			return nil, &ConnectionError{Reason: "connection string is empty"}
		}
		client, err := azqueue.NewServiceClientFromConnectionString(string(c), opts)
		if err != nil {
			return nil, &ConnectionError{Reason: "parsing connection string", Err: err}
		}
		return client, nil

	case ServiceClient:
		if c.Client == nil {
			return nil, &ConnectionError{Reason: "service client is nil"}
		}
		return c.Client, nil

	case Credential:
		if c.ServiceURL == "" {
			return nil, &ConnectionError{Reason: "service URL is empty"}
		}
		var (
			client *azqueue.ServiceClient
			err    error
		)
		switch {
		case c.SharedKey != nil && c.Token != nil:
			return nil, &ConnectionError{Reason: "shared key and token credential are mutually exclusive"}
		case c.SharedKey != nil:
			client, err = azqueue.NewServiceClientWithSharedKeyCredential(c.ServiceURL, c.SharedKey, opts)
		case c.Token != nil:
			client, err = azqueue.NewServiceClient(c.ServiceURL, c.Token, opts)
		default:
			client, err = azqueue.NewServiceClientWithNoCredential(c.ServiceURL, opts)
		}
		if err != nil {
			return nil, &ConnectionError{Reason: "building service client", Err: err}
		}
		return client, nil

	case nil:
		return nil, &ConnectionError{Reason: "connection is nil"}

	default:
		return nil, &ConnectionError{Reason: fmt.Sprintf("unsupported connection type %T", conn)}
	}
}
