package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

type AzureBlobConfig struct {
	ConnectionString string
	Container        string
	Prefix           string
}

type AzureBlobStore struct {
	container *container.Client
	prefix    string
}

func NewAzureBlobStore(cfg AzureBlobConfig) (*AzureBlobStore, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("azure storage connection string is required")
	}
	if cfg.Container == "" {
		return nil, errors.New("azure container is required")
	}
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	return &AzureBlobStore{
		container: client.ServiceClient().NewContainerClient(cfg.Container),
		prefix:    cfg.Prefix,
	}, nil
}

func (s *AzureBlobStore) Kind() string { return KindAzure }

func (s *AzureBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.container.NewBlockBlobClient(joinKey(s.prefix, key)).UploadBuffer(ctx, data, &blockblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(contentType),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob: %w", err)
	}
	return nil
}

func (s *AzureBlobStore) HasObjects(ctx context.Context, prefix string) (bool, error) {
	pager := s.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix:     to.Ptr(joinKey(s.prefix, prefix)),
		MaxResults: to.Ptr(int32(1)),
	})
	if !pager.More() {
		return false, nil
	}
	page, err := pager.NextPage(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list blobs: %w", err)
	}
	return page.Segment != nil && len(page.Segment.BlobItems) > 0, nil
}

func (s *AzureBlobStore) Location(key string) string {
	return strings.TrimSuffix(s.container.URL(), "/") + "/" + joinKey(s.prefix, key)
}
