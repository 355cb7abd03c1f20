// Package proxy manages the shared pool of vendor egress proxies: periodic
// fetch, concurrent health checking, leasing, and failure-driven eviction.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/selextract/scrape-engine/internal/engine"
)

// VendorConfig points at the proxy vendor's paginated list endpoint.
type VendorConfig struct {
	BaseURL  string
	APIKey   string
	Country  string
	PageSize int
	Timeout  time.Duration
}

// VendorClient fetches candidate proxies from the vendor API. Any non-2xx
// response or malformed entry counts as "no proxies this cycle", never a
// fatal error.
type VendorClient struct {
	cfg    VendorConfig
	client *http.Client
	logger *zap.Logger
}

// NewVendorClient builds a vendor client with sane defaults.
func NewVendorClient(cfg VendorConfig, logger *zap.Logger) *VendorClient {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &VendorClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type vendorProxy struct {
	Address  string `json:"proxy_address"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Country  string `json:"country_code"`
}

type vendorPage struct {
	Results []vendorProxy `json:"results"`
	Next    string        `json:"next"`
}

// ListProxies walks the vendor's pagination and returns every well-formed
// candidate, capped at one page size worth of entries.
func (c *VendorClient) ListProxies(ctx context.Context) ([]engine.Proxy, error) {
	listURL, err := url.JoinPath(c.cfg.BaseURL, "proxy", "list")
	if err != nil {
		return nil, fmt.Errorf("build vendor url: %w", err)
	}
	next := listURL + "/?page_size=" + strconv.Itoa(c.cfg.PageSize)
	if c.cfg.Country != "" {
		next += "&country_code=" + url.QueryEscape(c.cfg.Country)
	}

	var out []engine.Proxy
	for next != "" && len(out) < c.cfg.PageSize {
		page, err := c.fetchPage(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, vp := range page.Results {
			if vp.Address == "" || vp.Port <= 0 {
				c.logger.Warn("skipping malformed vendor proxy entry", zap.String("address", vp.Address))
				continue
			}
			out = append(out, engine.Proxy{
				Host:     vp.Address,
				Port:     vp.Port,
				Username: vp.Username,
				Password: vp.Password,
				Country:  vp.Country,
			})
		}
		next = page.Next
	}
	return out, nil
}

func (c *VendorClient) fetchPage(ctx context.Context, pageURL string) (vendorPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return vendorPage{}, fmt.Errorf("build vendor request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return vendorPage{}, fmt.Errorf("vendor request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("close vendor response body", zap.Error(closeErr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return vendorPage{}, fmt.Errorf("vendor returned status %d", resp.StatusCode)
	}

	var page vendorPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return vendorPage{}, fmt.Errorf("decode vendor response: %w", err)
	}
	return page, nil
}
