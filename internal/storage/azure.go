package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlobAPI is the subset of the Azure Blob client the store uses, so
// tests can mock it.
type AzureBlobAPI interface {
	// UploadBlob writes data to a block blob, overwriting any existing one.
	UploadBlob(ctx context.Context, containerName, blobName, contentType string, data []byte) error
	// DownloadBlob opens a blob and reports its size.
	DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, int64, error)
	// ListBlobs returns the names of all blobs under prefix.
	ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error)
	// ContainerProperties fails if the container is not accessible.
	ContainerProperties(ctx context.Context, containerName string) error
}

// AzureOptions configures an Azure Blob store.
type AzureOptions struct {
	Container string
	// AccountURL is e.g. https://account.blob.core.windows.net.
	AccountURL         string
	Prefix             string
	ConnectionString   string
	UseManagedIdentity bool
}

// AzureStore implements ObjectStore on an Azure Blob Storage container.
// Block blob uploads commit atomically, so readers never see a partial blob.
type AzureStore struct {
	Container string
	Prefix    string
	client    AzureBlobAPI
}

// NewAzureStore creates the Azure client and verifies the container is
// reachable.
func NewAzureStore(ctx context.Context, opts AzureOptions) (*AzureStore, error) {
	client, err := newRealAzureClient(opts.AccountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	s := NewAzureStoreWithClient(opts.Container, opts.Prefix, client)
	if err := s.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", opts.Container, err)
	}

	slog.Info("Azure object store initialized", "container", opts.Container, "account", opts.AccountURL, "prefix", opts.Prefix)
	return s, nil
}

// NewAzureStoreWithClient creates an AzureStore around an existing client.
func NewAzureStoreWithClient(container, prefix string, client AzureBlobAPI) *AzureStore {
	return &AzureStore{Container: container, Prefix: prefix, client: client}
}

func (s *AzureStore) blobName(key string) string {
	return s.Prefix + key
}

// Put uploads data as a block blob.
func (s *AzureStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.client.UploadBlob(ctx, s.Container, s.blobName(key), contentTypeFor(key), data); err != nil {
		return fmt.Errorf("uploading %q to Azure Blob: %w", key, err)
	}
	return nil
}

// Get opens the blob for reading.
func (s *AzureStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	rc, size, err := s.client.DownloadBlob(ctx, s.Container, s.blobName(key))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, notFound(key)
		}
		return nil, 0, fmt.Errorf("getting %q from Azure Blob: %w", key, err)
	}
	return rc, size, nil
}

// List returns the keys under prefix with the store prefix removed.
func (s *AzureStore) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.client.ListBlobs(ctx, s.Container, s.blobName(prefix))
	if err != nil {
		return nil, fmt.Errorf("listing %q in Azure Blob: %w", prefix, err)
	}
	keys := make([]string, 0, len(names))
	for _, n := range names {
		if strings.HasPrefix(n, s.Prefix) {
			keys = append(keys, strings.TrimPrefix(n, s.Prefix))
		}
	}
	return keys, nil
}

// HealthCheck verifies that the container is accessible.
func (s *AzureStore) HealthCheck(ctx context.Context) error {
	return s.client.ContainerProperties(ctx, s.Container)
}

// isAzureNotFound reports whether err means the blob does not exist. The
// message check covers errors that did not come from an HTTP response.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	if RemoteStatus(err) == 404 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") ||
		strings.Contains(msg, "the specified blob does not exist")
}

var _ ObjectStore = (*AzureStore)(nil)
