package rendezvous

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/veiltalk/veiltalk-node/pkg/crypto"
)

var (
	ErrPeerNotFound        = errors.New("peer not registered")
	ErrRegistrationExpired = errors.New("registration expired")
	ErrUnauthorized        = errors.New("request rejected")
)

// ClientConfig holds rendezvous client configuration.
type ClientConfig struct {
	ServerURL          string
	Port               int // local UDP port to advertise
	ReregisterInterval time.Duration
	PollInterval       time.Duration
	HTTPTimeout        time.Duration
	Logger             *log.Logger
}

// DefaultClientConfig returns default client configuration. The
// re-register interval is a third of the server's client timeout so a
// lost request or two does not drop the registration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ReregisterInterval: 10 * time.Second,
		PollInterval:       2 * time.Second,
		HTTPTimeout:        10 * time.Second,
	}
}

// Client talks to a rendezvous server on behalf of one identity.
type Client struct {
	cfg      *ClientConfig
	identity *crypto.Identity
	http     *http.Client
	log      *log.Logger
}

// NewClient creates a rendezvous client.
func NewClient(identity *crypto.Identity, cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Client{
		cfg:      cfg,
		identity: identity,
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		log:      cfg.Logger,
	}
}

// sign produces the nonce, timestamp and signature fields for a request.
func (c *Client) sign(action string) (nonceB64 string, timestamp int64, sigB64 string, err error) {
	nonce, err := crypto.GenerateNonce(16)
	if err != nil {
		return "", 0, "", err
	}
	timestamp = time.Now().UnixMilli()
	sig := c.identity.Sign(SignPayload(action, nonce, timestamp))
	return base64.StdEncoding.EncodeToString(nonce),
		timestamp,
		base64.StdEncoding.EncodeToString(sig),
		nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr ErrorResponse
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(msg, &apiErr)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return ErrPeerNotFound
		case http.StatusGone:
			return ErrRegistrationExpired
		case http.StatusUnauthorized:
			return ErrUnauthorized
		default:
			return fmt.Errorf("rendezvous: %s: %s %s", path, resp.Status, apiErr.Error)
		}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Register announces this node to the server and returns the endpoint
// the server observed.
func (c *Client) Register(ctx context.Context) (*RegisterResponse, error) {
	nonce, ts, sig, err := c.sign("register")
	if err != nil {
		return nil, err
	}
	req := RegisterRequest{
		PublicKey: encodeKey(c.identity.PublicKey()),
		Port:      c.cfg.Port,
		Nonce:     nonce,
		Timestamp: ts,
		Signature: sig,
	}
	var resp RegisterResponse
	if err := c.post(ctx, "/api/v1/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Introduce asks the server for target's endpoint and queues a matching
// introduction on the target's side.
func (c *Client) Introduce(ctx context.Context, target crypto.Address) (*IntroduceResponse, error) {
	nonce, ts, sig, err := c.sign("introduce")
	if err != nil {
		return nil, err
	}
	req := IntroduceRequest{
		PublicKey: encodeKey(c.identity.PublicKey()),
		Target:    target.String(),
		Nonce:     nonce,
		Timestamp: ts,
		Signature: sig,
	}
	var resp IntroduceResponse
	if err := c.post(ctx, "/api/v1/introduce", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Poll fetches introductions queued for this node.
func (c *Client) Poll(ctx context.Context) ([]Introduction, error) {
	nonce, ts, sig, err := c.sign("poll")
	if err != nil {
		return nil, err
	}
	req := PollRequest{
		PublicKey: encodeKey(c.identity.PublicKey()),
		Nonce:     nonce,
		Timestamp: ts,
		Signature: sig,
	}
	var resp PollResponse
	if err := c.post(ctx, "/api/v1/poll", req, &resp); err != nil {
		return nil, err
	}
	return resp.Introductions, nil
}

// Run keeps the registration alive and polls for introductions until ctx
// is cancelled, delivering each introduction to intros. A dropped
// registration is re-established automatically.
func (c *Client) Run(ctx context.Context, intros chan<- Introduction) error {
	if _, err := c.Register(ctx); err != nil {
		return err
	}

	register := time.NewTicker(c.cfg.ReregisterInterval)
	defer register.Stop()
	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-register.C:
			if _, err := c.Register(ctx); err != nil {
				c.log.Printf("rendezvous: re-register: %v", err)
			}
		case <-poll.C:
			got, err := c.Poll(ctx)
			if errors.Is(err, ErrRegistrationExpired) {
				if _, err := c.Register(ctx); err != nil {
					c.log.Printf("rendezvous: recover registration: %v", err)
				}
				continue
			}
			if err != nil {
				c.log.Printf("rendezvous: poll: %v", err)
				continue
			}
			for _, in := range got {
				select {
				case intros <- in:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
