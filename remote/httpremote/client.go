package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/ironpass/errs"
	"github.com/jmcleod/ironpass/item"
	"github.com/jmcleod/ironpass/key"
	"github.com/jmcleod/ironpass/remote"
	"github.com/jmcleod/ironpass/share"
)

const defaultTimeout = 30 * time.Second

// Client implements remote.API over HTTP. The acting user is the subject of
// the bearer token; the userID arguments of the API are not sent.
type Client struct {
	base   string
	token  string
	http   *http.Client
	logger *zap.Logger
}

var _ remote.API = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// NewClient returns a client for the authority mounted at baseURL.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// do sends one request. Transport failures and 5xx responses come back as
// retryable errors; a cancelled ctx comes back as ctx.Err().
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Debug("request failed", zap.String("op", op), zap.Error(err))
		return errs.Transient(op, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errs.Transient(op, err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(op, resp.StatusCode, b)
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

func sharePath(shareID string, parts ...string) string {
	return "/shares/" + url.PathEscape(shareID) + strings.Join(parts, "")
}

func (c *Client) RegisterAddress(ctx context.Context, _, addressID string, publicKey [32]byte) error {
	return c.do(ctx, "register address", http.MethodPost, "/addresses", nil,
		registerAddressRequest{AddressID: addressID, PublicKey: publicKey[:]}, nil)
}

func (c *Client) FetchShares(ctx context.Context, _ string) ([]share.Descriptor, error) {
	var out []share.Descriptor
	if err := c.do(ctx, "fetch shares", http.MethodGet, "/shares", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateVault(ctx context.Context, _ string, req share.CreateVaultRequest) (*share.Descriptor, error) {
	var out share.Descriptor
	if err := c.do(ctx, "create vault", http.MethodPost, "/vaults", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateVault(ctx context.Context, _, shareID string, rotation uint64, content []byte) (*share.Descriptor, error) {
	var out share.Descriptor
	err := c.do(ctx, "update vault", http.MethodPut, "/vaults/"+url.PathEscape(shareID), nil,
		updateVaultRequest{Rotation: rotation, Content: content}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteVault(ctx context.Context, _, shareID string) error {
	return c.do(ctx, "delete vault", http.MethodDelete, "/vaults/"+url.PathEscape(shareID), nil, nil, nil)
}

func (c *Client) MarkPrimary(ctx context.Context, _, shareID string) error {
	return c.do(ctx, "mark primary", http.MethodPost, "/vaults/"+url.PathEscape(shareID)+"/primary", nil, nil, nil)
}

func (c *Client) FetchWrappedKey(ctx context.Context, shareID string, rotation uint64) (*key.WrappedKey, error) {
	r := "latest"
	if rotation != key.LatestRotation {
		r = strconv.FormatUint(rotation, 10)
	}
	var out key.WrappedKey
	if err := c.do(ctx, "fetch wrapped key", http.MethodGet, sharePath(shareID, "/keys/", r), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchItems(ctx context.Context, _, shareID string, page remote.Page) (*remote.ItemPage, error) {
	q := url.Values{}
	if page.Token != "" {
		q.Set("token", page.Token)
	}
	if page.Size > 0 {
		q.Set("size", strconv.Itoa(page.Size))
	}
	var out remote.ItemPage
	if err := c.do(ctx, "fetch items", http.MethodGet, sharePath(shareID, "/items"), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitItem(ctx context.Context, shareID string, req remote.SubmitRequest) (*remote.ItemResult, error) {
	var out remote.ItemResult
	if err := c.do(ctx, "submit item", http.MethodPost, sharePath(shareID, "/items"), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetItemState(ctx context.Context, shareID string, items []remote.ItemRevision, state item.State) ([]remote.ItemResult, error) {
	var out []remote.ItemResult
	err := c.do(ctx, "set item state", http.MethodPost, sharePath(shareID, "/items/state"), nil,
		itemStateRequest{Items: items, State: state}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteItems(ctx context.Context, shareID string, items []remote.ItemRevision) error {
	return c.do(ctx, "delete items", http.MethodPost, sharePath(shareID, "/items/delete"), nil,
		deleteItemsRequest{Items: items}, nil)
}

func (c *Client) MigrateItem(ctx context.Context, req remote.MigrateRequest) (*remote.ItemDescriptor, error) {
	var out remote.ItemDescriptor
	if err := c.do(ctx, "migrate item", http.MethodPost, "/items/migrate", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchLatestEventToken(ctx context.Context, shareID string) (remote.EventToken, error) {
	var out tokenResponse
	if err := c.do(ctx, "fetch latest event token", http.MethodGet, sharePath(shareID, "/events/latest"), nil, nil, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *Client) FetchEvents(ctx context.Context, shareID string, since remote.EventToken) (*remote.EventList, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", string(since))
	}
	var out remote.EventList
	if err := c.do(ctx, "fetch events", http.MethodGet, sharePath(shareID, "/events"), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
