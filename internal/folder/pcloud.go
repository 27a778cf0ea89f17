package folder

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/schaermu/archivesyncd/internal/fetch"
)

const pcloudAPIBase = "https://api.pcloud.com"

// PCloudResolver resolves files inside pCloud public links. Folder
// listings are cached for the lifetime of the resolver so N files in
// one shared folder cost a single listing call.
type PCloudResolver struct {
	client  *fetch.Client
	timeout time.Duration
	apiBase string

	mu    sync.Mutex
	cache map[string][]pcloudFile
}

// NewPCloudResolver creates a resolver for pCloud public folder links
func NewPCloudResolver(client *fetch.Client, timeout time.Duration) *PCloudResolver {
	return &PCloudResolver{
		client:  client,
		timeout: timeout,
		apiBase: pcloudAPIBase,
		cache:   make(map[string][]pcloudFile),
	}
}

type pcloudFile struct {
	name   string
	fileID int64
}

// pcloudNode is one node of a public-link metadata tree
type pcloudNode struct {
	Name     string       `json:"name"`
	IsFolder bool         `json:"isfolder"`
	FileID   int64        `json:"fileid"`
	Contents []pcloudNode `json:"contents"`
}

type showPubLinkResponse struct {
	Result   int        `json:"result"`
	Metadata pcloudNode `json:"metadata"`
}

type pubLinkDownloadResponse struct {
	Result int      `json:"result"`
	Hosts  []string `json:"hosts"`
	Path   string   `json:"path"`
}

// Resolve looks up name within the shared folder and returns a
// transient direct-download URL.
func (r *PCloudResolver) Resolve(ctx context.Context, folderURL, name string) (string, error) {
	code, err := shareCode(folderURL)
	if err != nil {
		return "", err
	}

	files, err := r.listFolder(ctx, folderURL, code)
	if err != nil {
		return "", err
	}

	var matches []pcloudFile
	for _, f := range files {
		if f.name == name {
			matches = append(matches, f)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	case 1:
		// exact match
	default:
		return "", fmt.Errorf("%w: %s (%d matches)", ErrAmbiguous, name, len(matches))
	}
	if matches[0].fileID == 0 {
		return "", fmt.Errorf("missing fileid for %q in folder metadata", name)
	}

	q := url.Values{}
	q.Set("code", code)
	q.Set("fileid", strconv.FormatInt(matches[0].fileID, 10))

	var dl pubLinkDownloadResponse
	if err := r.client.GetJSON(ctx, r.apiBase+"/getpublinkdownload?"+q.Encode(), r.timeout, &dl); err != nil {
		return "", err
	}
	if dl.Result != 0 {
		return "", fmt.Errorf("getpublinkdownload failed with result=%d", dl.Result)
	}
	if len(dl.Hosts) == 0 || dl.Path == "" {
		return "", fmt.Errorf("missing hosts/path from getpublinkdownload")
	}

	return "https://" + dl.Hosts[0] + dl.Path, nil
}

// listFolder fetches (or returns the cached) flattened file listing
// for a shared folder.
func (r *PCloudResolver) listFolder(ctx context.Context, folderURL, code string) ([]pcloudFile, error) {
	r.mu.Lock()
	files, ok := r.cache[folderURL]
	r.mu.Unlock()
	if ok {
		return files, nil
	}

	q := url.Values{}
	q.Set("code", code)

	var show showPubLinkResponse
	if err := r.client.GetJSON(ctx, r.apiBase+"/showpublink?"+q.Encode(), r.timeout, &show); err != nil {
		return nil, err
	}
	if show.Result != 0 {
		return nil, fmt.Errorf("showpublink failed with result=%d", show.Result)
	}

	files = flattenFiles(show.Metadata, nil)

	r.mu.Lock()
	r.cache[folderURL] = files
	r.mu.Unlock()
	return files, nil
}

// flattenFiles walks the metadata tree and collects file nodes
func flattenFiles(node pcloudNode, out []pcloudFile) []pcloudFile {
	if node.IsFolder {
		for _, child := range node.Contents {
			out = flattenFiles(child, out)
		}
		return out
	}
	return append(out, pcloudFile{name: node.Name, fileID: node.FileID})
}

// shareCode extracts the public-link share code from a folder URL
func shareCode(folderURL string) (string, error) {
	u, err := url.Parse(folderURL)
	if err != nil {
		return "", fmt.Errorf("invalid folder URL %q: %w", folderURL, err)
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", fmt.Errorf("missing share code in folder URL %q", folderURL)
	}
	return code, nil
}
