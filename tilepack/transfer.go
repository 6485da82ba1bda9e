package tilepack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"

	"gocloud.dev/blob"
)

// Job describes one in-flight download into the store.
type Job struct {
	SourceURL   string
	Destination string
	Written     int64
	Expected    int64 // -1 when the source does not announce a size
	// ETag identifies the fetched object version when the source reports one
	ETag string

	cancelled atomic.Bool
}

func newJob(sourceURL, destination string) *Job {
	return &Job{SourceURL: sourceURL, Destination: destination, Expected: -1}
}

// Cancel marks the job cancelled. It is checked between pipeline steps and between copied chunks.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
}

func (j *Job) Cancelled() bool {
	return j.cancelled.Load()
}

// ProgressFunc receives bytes written so far and the expected total (-1 when unknown).
type ProgressFunc func(written int64, expected int64)

// Transfer streams job.SourceURL into job.Destination, overwriting it.
type Transfer interface {
	Fetch(ctx context.Context, job *Job, onProgress ProgressFunc) error
}

// HTTPClient is an interface that lets you swap out the default client with a mock one in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPTransfer fetches http and https sources.
type HTTPTransfer struct {
	client HTTPClient
	store  Store
}

func NewHTTPTransfer(client HTTPClient, store Store) *HTTPTransfer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransfer{client: client, store: store}
}

func (t *HTTPTransfer) Fetch(ctx context.Context, job *Job, onProgress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.SourceURL, nil)
	if err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}

	job.Expected = resp.ContentLength
	job.ETag = resp.Header.Get("ETag")
	return copyToStore(ctx, t.store, job, resp.Body, onProgress)
}

// BucketTransfer fetches gocloud bucket URLs such as file:///dir/kolkata.mbtiles or
// s3://bucket/kolkata.mbtiles?region=ap-south-1. The driver must be linked in by the caller.
type BucketTransfer struct {
	store Store
}

func NewBucketTransfer(store Store) *BucketTransfer {
	return &BucketTransfer{store: store}
}

func (t *BucketTransfer) Fetch(ctx context.Context, job *Job, onProgress ProgressFunc) error {
	bucketURL, key, err := splitBucketURL(job.SourceURL)
	if err != nil {
		return err
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return fmt.Errorf("failed to open bucket for %s: %w", bucketURL, err)
	}
	defer bucket.Close()

	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		if status := providerStatusCode(err); status != 0 {
			return fmt.Errorf("failed to open %s: bucket returned %d: %w", key, status, err)
		}
		return fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer r.Close()

	job.Expected = r.Size()
	job.ETag = providerETag(r)
	return copyToStore(ctx, t.store, job, r, onProgress)
}

// splitBucketURL separates a gocloud object URL into the bucket URL and the object key.
func splitBucketURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme == "file" {
		dir, file := path.Split(u.Path)
		if file == "" {
			return "", "", fmt.Errorf("no object key in %s", raw)
		}
		return "file://" + strings.TrimSuffix(dir, "/"), file, nil
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("expected scheme://bucket/key, got %s", raw)
	}
	bucketURL := u.Scheme + "://" + u.Host
	if u.RawQuery != "" {
		bucketURL += "?" + u.RawQuery
	}
	return bucketURL, key, nil
}

// SourceTransfer dispatches on the URL scheme: http(s) goes to HTTP, everything else to a bucket.
type SourceTransfer struct {
	HTTP   Transfer
	Bucket Transfer
}

func NewSourceTransfer(client HTTPClient, store Store) *SourceTransfer {
	return &SourceTransfer{HTTP: NewHTTPTransfer(client, store), Bucket: NewBucketTransfer(store)}
}

func (t *SourceTransfer) Fetch(ctx context.Context, job *Job, onProgress ProgressFunc) error {
	if strings.HasPrefix(job.SourceURL, "http://") || strings.HasPrefix(job.SourceURL, "https://") {
		return t.HTTP.Fetch(ctx, job, onProgress)
	}
	return t.Bucket.Fetch(ctx, job, onProgress)
}

const progressInterval = 256 * 1024

// copyToStore writes body into job.Destination, reporting progress every progressInterval bytes.
func copyToStore(ctx context.Context, store Store, job *Job, body io.Reader, onProgress ProgressFunc) error {
	w, err := store.Create(ctx, job.Destination)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", job.Destination, err)
	}

	job.Written = 0
	reader := &progressReader{reader: body, job: job, onProgress: onProgress}
	_, err = io.Copy(w, reader)
	closeErr := w.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	if onProgress != nil {
		onProgress(job.Written, job.Expected)
	}
	return nil
}

var errJobCancelled = errors.New("job cancelled")

type progressReader struct {
	reader     io.Reader
	job        *Job
	onProgress ProgressFunc
	lastReport int64
}

func (pr *progressReader) Read(p []byte) (int, error) {
	if pr.job.Cancelled() {
		return 0, errJobCancelled
	}
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.job.Written += int64(n)
		pr.lastReport += int64(n)
		if pr.lastReport >= progressInterval && pr.onProgress != nil {
			pr.onProgress(pr.job.Written, pr.job.Expected)
			pr.lastReport = 0
		}
	}
	return n, err
}
