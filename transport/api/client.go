// Package api holds the HTTP clients for the two backend services: the auth
// service (handles and connection packages) and the queue service (envelope
// queues and attachment blobs). Transient failures retry with exponential
// backoff up to the configured attempt cap, then surface as ErrUnavailable.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/arbor-im/arbor/config"
	"github.com/arbor-im/arbor/ids"
	"github.com/cenkalti/backoff"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var (
	// ErrUnavailable indicates a service stayed unreachable through the
	// whole retry budget. The operation may be retried later unchanged.
	ErrUnavailable = errors.New("api: service unavailable")
	// ErrNotFound indicates the named remote resource does not exist.
	ErrNotFound = errors.New("api: not found")
)

// An Envelope is one queued item on the queue service. Payload framing is
// opaque to the server; it dedups by envelope id.
type Envelope struct {
	ID      string `json:"id"`
	GroupID string `json:"group_id,omitempty"`
	Kind    int    `json:"kind"`
	Payload []byte `json:"payload"`
}

type FetchEnvelopesRequest struct {
	Cursor []byte `json:"cursor,omitempty"`
	Limit  int    `json:"limit"`
}

type FetchEnvelopesResponse struct {
	Envelopes []Envelope `json:"envelopes"`
	Cursor    []byte     `json:"cursor"`
}

type uploadAttachmentResponse struct {
	Ref string `json:"ref"`
}

type Client struct {
	config *config.Config
	log    *zap.SugaredLogger
	auth   *resty.Client
	queue  *resty.Client
	userID ids.ID
}

func NewClient(c *config.Config, userID ids.ID) *Client {
	timeout := time.Duration(c.RequestTimeoutMs) * time.Millisecond
	return &Client{
		config: c,
		log:    c.Logger("api"),
		auth:   resty.New().SetBaseURL(c.AuthServiceURL).SetTimeout(timeout),
		queue:  resty.New().SetBaseURL(c.QueueServiceURL).SetTimeout(timeout),
		userID: userID,
	}
}

// ResolveHandle fetches the current connection package for a handle.
func (c *Client) ResolveHandle(ctx context.Context, handle string) ([]byte, error) {
	var body []byte
	err := c.retry(ctx, func() error {
		resp, err := c.auth.R().SetContext(ctx).Get(fmt.Sprintf("/v1/handles/%s/package", handle))
		if err != nil {
			return err
		}
		if err := checkStatus(resp); err != nil {
			return err
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// UploadConnectionPackage publishes a package against a handle.
func (c *Client) UploadConnectionPackage(ctx context.Context, handle string, pkg []byte, lastResort bool) error {
	return c.retry(ctx, func() error {
		resp, err := c.auth.R().
			SetContext(ctx).
			SetQueryParam("last_resort", fmt.Sprintf("%t", lastResort)).
			SetHeader("Content-Type", "application/octet-stream").
			SetBody(pkg).
			Put(fmt.Sprintf("/v1/handles/%s/package", handle))
		if err != nil {
			return err
		}
		return checkStatus(resp)
	})
}

// FetchEnvelopes reads the user's queue from a cursor.
func (c *Client) FetchEnvelopes(ctx context.Context, cursor []byte, limit int) (*FetchEnvelopesResponse, error) {
	out := &FetchEnvelopesResponse{}
	err := c.retry(ctx, func() error {
		resp, err := c.queue.R().
			SetContext(ctx).
			SetBody(&FetchEnvelopesRequest{Cursor: cursor, Limit: limit}).
			SetResult(out).
			Post(fmt.Sprintf("/v1/queues/%s/fetch", c.userID))
		if err != nil {
			return err
		}
		return checkStatus(resp)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PushEnvelope delivers one envelope. The server dedups by envelope id, so
// redelivery after a half-failed push is safe.
func (c *Client) PushEnvelope(ctx context.Context, e *Envelope) error {
	return c.retry(ctx, func() error {
		resp, err := c.queue.R().SetContext(ctx).SetBody(e).Post("/v1/envelopes")
		if err != nil {
			return err
		}
		if resp.StatusCode() == http.StatusConflict {
			// already delivered
			return nil
		}
		return checkStatus(resp)
	})
}

// UploadAttachment stores an encrypted blob and returns its reference.
func (c *Client) UploadAttachment(ctx context.Context, ciphertext []byte) (string, error) {
	out := &uploadAttachmentResponse{}
	err := c.retry(ctx, func() error {
		resp, err := c.queue.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/octet-stream").
			SetBody(ciphertext).
			SetResult(out).
			Post("/v1/attachments")
		if err != nil {
			return err
		}
		return checkStatus(resp)
	})
	if err != nil {
		return "", err
	}
	return out.Ref, nil
}

// FetchAttachmentChunk reads up to length bytes of a blob from offset. The
// final chunk may be short.
func (c *Client) FetchAttachmentChunk(ctx context.Context, ref string, offset, length int64) ([]byte, error) {
	var body []byte
	err := c.retry(ctx, func() error {
		resp, err := c.queue.R().
			SetContext(ctx).
			SetQueryParam("offset", fmt.Sprintf("%d", offset)).
			SetQueryParam("length", fmt.Sprintf("%d", length)).
			Get(fmt.Sprintf("/v1/attachments/%s", ref))
		if err != nil {
			return err
		}
		if err := checkStatus(resp); err != nil {
			return err
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// retry runs op with exponential backoff. Permanent failures (4xx) pass
// through untouched; exhausting the attempt budget yields ErrUnavailable.
func (c *Client) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(b, ctx), c.config.MaxRetries))
	if err == nil {
		return nil
	}
	var permanent *permanentError
	if errors.As(err, &permanent) {
		return permanent.err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s", ErrUnavailable, err)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string {
	return p.err.Error()
}

func checkStatus(resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return backoff.Permanent(&permanentError{fmt.Errorf("%w: %s", ErrNotFound, resp.Request.URL)})
	case code >= 400 && code < 500:
		return backoff.Permanent(&permanentError{fmt.Errorf("api: request rejected with %d: %s", code, resp.String())})
	default:
		return fmt.Errorf("api: status %d", code)
	}
}
