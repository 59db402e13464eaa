package logarchive

import (
	"bytes"
	"context"
	"crypto"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/digitorus/timestamp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	timestampQueryType = "application/timestamp-query"
	timestampReplyType = "application/timestamp-reply"
	maxTimestampReply  = 1 << 20
)

// HTTPTimestamper requests time-stamps from an RFC 3161 authority over HTTP.
// Timeouts and retries live here, at the integration boundary.
type HTTPTimestamper struct {
	URL    string
	Hash   crypto.Hash
	Client *retryablehttp.Client
}

// NewHTTPTimestamper creates a time-stamp client for url.
func NewHTTPTimestamper(url string, timeout time.Duration, retries int, log *zap.SugaredLogger) *HTTPTimestamper {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.HTTPClient.Timeout = timeout
	if log != nil {
		c.Logger = retryLogger{log}
	} else {
		c.Logger = nil
	}
	return &HTTPTimestamper{URL: url, Hash: crypto.SHA256, Client: c}
}

// Timestamp implements Timestamper. The returned bytes are the full DER
// TimeStampResp, checked to cover data before they are handed back.
func (t *HTTPTimestamper) Timestamp(ctx context.Context, data []byte) ([]byte, error) {
	tsq, err := timestamp.CreateRequest(bytes.NewReader(data), &timestamp.RequestOptions{
		Hash:         t.Hash,
		Certificates: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create time-stamp request")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.URL, tsq)
	if err != nil {
		return nil, errors.Wrap(err, "build time-stamp request")
	}
	req.Header.Set("Content-Type", timestampQueryType)
	req.Header.Set("Accept", timestampReplyType)

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "post time-stamp request to %s", t.URL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTimestampReply))
	if err != nil {
		return nil, errors.Wrap(err, "read time-stamp response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("time-stamp authority returned %d: %s", resp.StatusCode, body)
	}
	if _, err := VerifyTimestampToken(body, data); err != nil {
		return nil, errors.Wrap(err, "time-stamp response")
	}
	return body, nil
}

// retryLogger adapts a zap logger to retryablehttp.LeveledLogger.
type retryLogger struct{ l *zap.SugaredLogger }

func (r retryLogger) Error(msg string, kv ...interface{}) { r.l.Errorw(msg, kv...) }
func (r retryLogger) Info(msg string, kv ...interface{})  { r.l.Infow(msg, kv...) }
func (r retryLogger) Debug(msg string, kv ...interface{}) { r.l.Debugw(msg, kv...) }
func (r retryLogger) Warn(msg string, kv ...interface{})  { r.l.Warnw(msg, kv...) }
