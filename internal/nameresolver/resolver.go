package nameresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/contexthelper"
)

const (
	resolveEndpoint = "/resolve"

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
)

// Resolver maps a human-readable name (alice.eth, bob.rsk) to an address.
// When a name cannot be resolved the input is returned unchanged together
// with the error, and callers decide whether to fall back.
type Resolver interface {
	Resolve(ctx context.Context, name string, chainID int64) (string, error)
}

// Passthrough never resolves anything.
type Passthrough struct{}

func (Passthrough) Resolve(ctx context.Context, name string, chainID int64) (string, error) {
	return name, nil
}

type resolveResponse struct {
	Address string `json:"address"`
}

type HTTPResolver struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Logger
}

func NewHTTPResolver(baseURL string, timeout time.Duration, logger *logrus.Logger) *HTTPResolver {
	return &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, name string, chainID int64) (string, error) {
	if common.IsHexAddress(name) {
		return name, nil
	}

	var resolved string
	err := contexthelper.RetryWithBackoff(ctx, r.logger, "resolve_name", maxRetries, initialBackoff, func(ctx context.Context) error {
		q := url.Values{}
		q.Set("name", name)
		q.Set("chain_id", strconv.FormatInt(chainID, 10))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+resolveEndpoint+"?"+q.Encode(), nil)
		if err != nil {
			return fmt.Errorf("fail to create request: %w", err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("fail to call name resolver: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("name resolver returned status %d: %s", resp.StatusCode, string(body))
		}

		var out resolveResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("fail to decode name resolver response: %w", err)
		}
		if !common.IsHexAddress(out.Address) {
			return fmt.Errorf("name resolver returned invalid address %q", out.Address)
		}
		resolved = out.Address
		return nil
	})
	if err != nil {
		return name, err
	}
	return resolved, nil
}
