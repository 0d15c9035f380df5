package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"imagebatch/internal/models"
)

type httpDoFunc func(req *http.Request) (*http.Response, error)

// Fetcher downloads one URL into a caller-owned sink. It never retries and
// never closes the sink.
type Fetcher struct {
	do httpDoFunc
}

func NewFetcher(timeout time.Duration) *Fetcher {
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DisableCompression:  true,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return &Fetcher{do: client.Do}
}

func (f *Fetcher) Fetch(ctx context.Context, url string, sink io.Writer) (int64, error) {
	const op = "fetcher.Fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, models.NewError(models.KindTransportError, op, err)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.do(req)
	if err != nil {
		return 0, models.NewError(models.KindTransportError, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, &models.Error{
			Kind:       models.KindDownloadFailure,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("GET %s returned %s", url, resp.Status),
		}
	}

	n, err := io.Copy(sinkWriter{sink}, resp.Body)
	if err != nil {
		var we writeError
		if errors.As(err, &we) {
			return n, models.NewError(models.KindWriteFailure, op, we.err)
		}
		return n, models.NewError(models.KindTransportError, op, err)
	}
	return n, nil
}

// sinkWriter tags errors coming from the sink so they are not mistaken for
// errors reading the response body.
type sinkWriter struct {
	w io.Writer
}

type writeError struct {
	err error
}

func (e writeError) Error() string { return e.err.Error() }

func (s sinkWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, writeError{err}
	}
	return n, nil
}
