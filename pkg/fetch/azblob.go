package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/utils"
)

// AzureOrigin fetches azblob://account/container/blob URLs with ranged downloads. Blobs of the
// account named in the connection string use it, every other account is read anonymously.
type AzureOrigin struct {
	connectionString string
	account          string

	mu      sync.Mutex
	clients map[string]*azblob.Client
}

// ParseAccountFromConnectionString pulls AccountName out of an Azure storage connection string.
func ParseAccountFromConnectionString(connStr string) (string, bool) {
	for _, part := range strings.Split(connStr, ";") {
		subParts := strings.SplitN(part, "=", 2)
		if len(subParts) < 2 {
			continue
		}
		if subParts[0] == "AccountName" && subParts[1] != "" {
			return subParts[1], true
		}
	}
	return "", false
}

func NewAzureOrigin(connectionString string) (*AzureOrigin, error) {
	o := &AzureOrigin{connectionString: connectionString, clients: make(map[string]*azblob.Client)}
	if connectionString == "" {
		return o, nil
	}

	account, found := ParseAccountFromConnectionString(connectionString)
	if !found {
		return nil, errors.New("AccountName missing from connection string")
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, err
	}
	o.account = account
	o.clients[account] = client
	return o, nil
}

func parseAzureURL(rawURL string) (string, string, string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", err
	}
	parts := strings.SplitN(strings.TrimPrefix(parsedURL.Path, "/"), "/", 2)
	if parsedURL.Scheme != "azblob" || parsedURL.Host == "" || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", errors.New("azure url should be in the format of azblob://account/container/blob")
	}
	return parsedURL.Host, parts[0], parts[1], nil
}

func (o *AzureOrigin) client(account string) (*azblob.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if client, ok := o.clients[account]; ok {
		return client, nil
	}
	client, err := azblob.NewClientWithNoCredential(fmt.Sprintf("https://%s.blob.core.windows.net/", account), nil)
	if err != nil {
		return nil, err
	}
	o.clients[account] = client
	return client, nil
}

func (o *AzureOrigin) Open(ctx context.Context, req Request) (*Response, error) {
	account, container, blobName, err := parseAzureURL(req.URL)
	if err != nil {
		return nil, err
	}
	client, err := o.client(account)
	if err != nil {
		return nil, err
	}

	count := req.Length
	if count < 0 {
		count = 0 // zero reads to the end of the blob
	}
	resp, err := client.DownloadStream(ctx, container, blobName, &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: req.Offset, Count: count},
	})
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) {
			return nil, &e.HTTPError{StatusCode: respErr.StatusCode, URL: req.URL}
		}
		return nil, err
	}

	out := &Response{Body: resp.Body, Offset: 0, Total: -1}
	if resp.ContentType != nil {
		out.ContentType = *resp.ContentType
	}
	if resp.ContentRange != nil {
		cr, err := utils.ParseContentRange(*resp.ContentRange)
		if err != nil || cr.Start < 0 {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%w: bad Content-Range %q", e.ErrInconsistentResource, *resp.ContentRange)
		}
		out.Offset = cr.Start
		out.Total = cr.Size
	} else if resp.ContentLength != nil {
		out.Total = *resp.ContentLength
	}
	return out, nil
}
