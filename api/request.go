package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("api")

// Request headers of the backend protocol
const (
	HeaderSignature = "x-gw-signature"
	HeaderNonce     = "x-gw-nonce"
	HeaderGateway   = "x-gw-id"

	harvestPath = "v1/harvest"
	tokenTTL    = 5 * time.Minute
)

// NewClient creates a backend client. signer may be nil for unauthenticated
// test backends.
func NewClient(baseURL string, signer Signer, gatewayID string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Signer:     signer,
		GatewayID:  gatewayID,
	}
}

// PostHarvest uploads one harvest batch
func (c *Client) PostHarvest(ctx context.Context, batch HarvestBatch) error {
	_, err := c.SendRequest(ctx, http.MethodPost, harvestPath, batch)
	return err
}

// SendRequest sends a signed request and returns the response body
func (c *Client) SendRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, xerrors.Errorf("serializing request body: %w", err)
		}
	}

	url := c.BaseURL + "/" + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.GatewayID != "" {
		req.Header.Set(HeaderGateway, c.GatewayID)
	}

	if c.Signer != nil {
		nonce := uuid.NewString()
		signature, err := c.Signer.Sign(SignaturePayload(path, nonce, payload))
		if err != nil {
			return nil, xerrors.Errorf("signing request: %w", err)
		}
		now := time.Now()
		token, err := c.Signer.BuildJWT(Claims{
			Issuer:   c.GatewayID,
			Subject:  path,
			IssuedAt: now.Unix(),
			Expires:  now.Add(tokenTTL).Unix(),
			Nonce:    nonce,
		})
		if err != nil {
			return nil, err
		}
		req.Header.Set(HeaderNonce, nonce)
		req.Header.Set(HeaderSignature, hex.EncodeToString(signature))
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		backendErr := &BackendError{
			StatusCode: resp.StatusCode,
			RawBody:    string(respBody),
		}
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errorResp); err == nil && errorResp.Error != "" {
			backendErr.Message = errorResp.Error
		} else {
			backendErr.Message = http.StatusText(resp.StatusCode)
		}
		log.Debugw("backend rejected request", "path", path, "status", resp.StatusCode)
		return nil, backendErr
	}

	return respBody, nil
}

// SignaturePayload is the message signed for a request: the API path, the
// nonce and the raw body
func SignaturePayload(path, nonce string, body []byte) []byte {
	msg := make([]byte, 0, len(path)+len(nonce)+len(body)+5)
	msg = append(msg, "/api/"...)
	msg = append(msg, path...)
	msg = append(msg, nonce...)
	return append(msg, body...)
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error: %s (status code: %d)", e.Message, e.StatusCode)
}
