package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
)

// maxChunkBytes bounds a single chunk response body.
const maxChunkBytes = 64 << 20

// TrackerClient talks to the tracker HTTP API and fetches chunk bytes from
// owners. It remembers the credentials issued by the last successful join.
type TrackerClient struct {
	baseURL string
	http    *http.Client

	mu     sync.RWMutex
	peerID string
	token  string
}

func NewTrackerClient(baseURL string, timeout time.Duration) *TrackerClient {
	return &TrackerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *TrackerClient) BaseURL() string { return c.baseURL }

func (c *TrackerClient) Credentials() (peerID, token string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID, c.token
}

func (c *TrackerClient) SetCredentials(peerID, token string) {
	c.mu.Lock()
	c.peerID, c.token = peerID, token
	c.mu.Unlock()
}

func (c *TrackerClient) authQuery() url.Values {
	id, tok := c.Credentials()
	return url.Values{"peer_id": {id}, "token": {tok}}
}

// do sends one request and decodes a JSON answer into out. Non-2xx answers
// are mapped onto the protocol sentinel errors.
func (c *TrackerClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: bad response body: %v", protocol.ErrProtocol, method, path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	sentinel := protocol.ErrorForStatus(resp.StatusCode)
	if sentinel == nil {
		return nil
	}
	var e protocol.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &e) != nil || e.Detail == "" {
		e.Detail = strings.TrimSpace(string(data))
	}
	return fmt.Errorf("%w (status %d): %s", sentinel, resp.StatusCode, e.Detail)
}

// Join registers rec with the tracker and keeps the issued token.
func (c *TrackerClient) Join(ctx context.Context, rec protocol.PeerRecord) (protocol.JoinResponse, error) {
	var resp protocol.JoinResponse
	if err := c.do(ctx, http.MethodPost, "/join", nil, rec, &resp); err != nil {
		return resp, err
	}
	c.SetCredentials(resp.PeerID, resp.Token)
	return resp, nil
}

func (c *TrackerClient) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/heartbeat", c.authQuery(), nil, nil)
}

func (c *TrackerClient) Announce(ctx context.Context, stem string, index int) error {
	ann := protocol.Announcement{FileStem: stem, ChunkIndex: &index}
	return c.do(ctx, http.MethodPost, "/announce_chunk", c.authQuery(), ann, nil)
}

func (c *TrackerClient) Owners(ctx context.Context, stem string, index int) ([]protocol.Owner, error) {
	var resp protocol.OwnersResponse
	path := fmt.Sprintf("/peers/%s/%d", url.PathEscape(stem), index)
	if err := c.do(ctx, http.MethodGet, path, c.authQuery(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Owners, nil
}

// Metadata fetches and validates the manifest for stem.
func (c *TrackerClient) Metadata(ctx context.Context, stem string) (*protocol.Manifest, error) {
	var m protocol.Manifest
	if err := c.do(ctx, http.MethodGet, "/metadata/"+url.PathEscape(stem), c.authQuery(), nil, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *TrackerClient) ListFiles(ctx context.Context) ([]protocol.FileSummary, error) {
	var files []protocol.FileSummary
	err := c.do(ctx, http.MethodGet, "/files", nil, nil, &files)
	return files, err
}

func (c *TrackerClient) RegisterFile(ctx context.Context, reg protocol.FileRegistration) error {
	return c.do(ctx, http.MethodPost, "/register_file", nil, reg, nil)
}

func (c *TrackerClient) ListPeers(ctx context.Context) ([]protocol.PeerRecord, error) {
	var peers []protocol.PeerRecord
	err := c.do(ctx, http.MethodGet, "/admin/peers", nil, nil, &peers)
	return peers, err
}

// Fetch downloads the raw bytes of one chunk from owner. Tracker and peer
// owners serve the same path; credentials are sent to the tracker only.
func (c *TrackerClient) Fetch(ctx context.Context, owner protocol.Owner, stem string, index int) ([]byte, error) {
	u := fmt.Sprintf("http://%s/chunk/%s/%d", owner.Addr(), url.PathEscape(stem), index)
	if owner.Kind == protocol.OwnerTracker {
		u += "?" + c.authQuery().Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", owner.Addr(), err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", owner.Addr(), err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxChunkBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", owner.Addr(), err)
	}
	if len(data) > maxChunkBytes {
		return nil, fmt.Errorf("%w: chunk from %s exceeds %d bytes", protocol.ErrProtocol, owner.Addr(), maxChunkBytes)
	}
	return data, nil
}
