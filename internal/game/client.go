package game

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Recorder receives one action-log record per transport call, success or
// failure. Implementations must not block; the telemetry buffer enqueues.
type Recorder interface {
	RecordAction(rec ActionRecord)
}

// ActionRecord is the telemetry row written for every remote call.
type ActionRecord struct {
	Character string    `json:"character"`
	Action    string    `json:"action"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Result    string    `json:"result,omitempty"`
	Err       string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

type Config struct {
	BaseURL     string
	Token       string
	HTTPTimeout time.Duration
	Recorder    Recorder
	Logger      *log.Logger
}

// Client performs authenticated calls against the game API. It is a pure
// conduit: no sleeping, no retrying. Policy lives in the executor and the
// cycles.
type Client struct {
	cfg        Config
	httpClient *http.Client

	// Resolved bank-deposit verb; see BankDeposit.
	depositVerb string

	// Injection points for tests.
	sleepFn func(ctx context.Context, d time.Duration) error
	nowFn   func() time.Time
}

var characterNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidCharacterName reports whether name is safe to interpolate into an
// endpoint path.
func ValidCharacterName(name string) bool {
	return name != "" && characterNameRe.MatchString(name)
}

func New(cfg Config) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, &APIError{Kind: KindConfiguration, Message: "empty base url"}
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, &APIError{Kind: KindConfiguration, Message: "empty api token"}
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		sleepFn:    sleepCtx,
		nowFn:      time.Now,
	}
	return c, nil
}

// Request performs one authenticated call and decodes the response envelope.
// On 2xx the `data` sub-document is returned raw; on failure a typed
// *APIError is returned. Either way one action-log record is emitted.
func (c *Client) Request(ctx context.Context, method, endpoint string, body any, character string) (json.RawMessage, error) {
	if character != "" && !ValidCharacterName(character) {
		return nil, &APIError{
			Kind:     KindConfiguration,
			Endpoint: endpoint,
			Message:  fmt.Sprintf("invalid character name %q", character),
		}
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body for %s: %w", endpoint, err)
		}
		reqBody = bytes.NewReader(b)
	}

	url := c.cfg.BaseURL + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiErr := &APIError{Kind: KindTransport, Endpoint: endpoint, Message: err.Error()}
		c.record(character, endpoint, nil, apiErr)
		return nil, apiErr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		apiErr := &APIError{Kind: KindTransport, Status: resp.StatusCode, Endpoint: endpoint, Message: err.Error()}
		c.record(character, endpoint, nil, apiErr)
		return nil, apiErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			apiErr := &APIError{Kind: KindTransport, Status: resp.StatusCode, Endpoint: endpoint,
				Message: fmt.Sprintf("decode response: %v", err)}
			c.record(character, endpoint, nil, apiErr)
			return nil, apiErr
		}
		c.record(character, endpoint, envelope.Data, nil)
		return envelope.Data, nil
	}

	apiErr := classify(resp.StatusCode, endpoint, serverMessage(raw))
	c.record(character, endpoint, nil, apiErr)
	return nil, apiErr
}

// serverMessage pulls the human message out of an error response, falling
// back to the raw body.
func serverMessage(raw []byte) string {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) record(character, endpoint string, result json.RawMessage, apiErr *APIError) {
	if c.cfg.Recorder == nil {
		return
	}
	rec := ActionRecord{
		Character: character,
		Action:    actionTypeFromEndpoint(endpoint),
		At:        c.nowFn().UTC(),
	}
	if apiErr != nil {
		rec.Err = apiErr.Error()
	} else if len(result) > 0 {
		rec.Result = string(result)
		// Position, when the result carries the mutated character.
		var env struct {
			Character *Character `json:"character"`
		}
		if err := json.Unmarshal(result, &env); err == nil && env.Character != nil {
			rec.X = env.Character.X
			rec.Y = env.Character.Y
		}
	}
	c.cfg.Recorder.RecordAction(rec)
}

// actionTypeFromEndpoint derives the telemetry action tag from the path:
// "my/Bob/action/bank/deposit" -> "bank_deposit", "characters/Bob" -> "fetch_details".
func actionTypeFromEndpoint(endpoint string) string {
	endpoint = strings.Trim(endpoint, "/")
	if strings.HasPrefix(endpoint, "characters/") {
		return "fetch_details"
	}
	if i := strings.Index(endpoint, "action/"); i >= 0 {
		return strings.ReplaceAll(endpoint[i+len("action/"):], "/", "_")
	}
	return endpoint
}

func (c *Client) printf(format string, args ...any) {
	if c != nil && c.cfg.Logger != nil {
		c.cfg.Logger.Printf(format, args...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
