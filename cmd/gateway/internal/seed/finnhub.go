package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

// ErrUnknownSymbol is returned when Finnhub has no quote for a symbol.
var ErrUnknownSymbol = errors.New("unknown symbol")

type finnhubProfile struct {
	Name     string `json:"name"`
	Logo     string `json:"logo"`
	Industry string `json:"finnhubIndustry"`
}

type finnhubQuote struct {
	Current   float64 `json:"c"`
	PrevClose float64 `json:"pc"`
}

// FinnhubSource builds profiles from the Finnhub REST API: /stock/profile2
// for name, logo and industry and /quote for the prices.
type FinnhubSource struct {
	baseURL string
	token   string
	client  *http.Client
	limit   int
}

func NewFinnhubSource(baseURL, token string, client *http.Client) *FinnhubSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &FinnhubSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		limit:   4,
	}
}

func (f *FinnhubSource) Name() string { return "finnhub" }

// Profiles fetches symbols concurrently. A symbol that fails is left out and
// reported in the joined error; the others are still returned.
func (f *FinnhubSource) Profiles(ctx context.Context, symbols []string) ([]models.Profile, error) {
	var (
		mu   sync.Mutex
		out  []models.Profile
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.limit)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			p, err := f.profile(gctx, sym)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", sym, err))
				return nil
			}
			out = append(out, p)
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, errors.Join(errs...)
}

func (f *FinnhubSource) profile(ctx context.Context, symbol string) (models.Profile, error) {
	var (
		prof  finnhubProfile
		quote finnhubQuote
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.get(gctx, "/stock/profile2", symbol, &prof) })
	g.Go(func() error { return f.get(gctx, "/quote", symbol, &quote) })
	if err := g.Wait(); err != nil {
		return models.Profile{}, err
	}

	if quote.Current == 0 && quote.PrevClose == 0 {
		return models.Profile{}, ErrUnknownSymbol
	}
	prevClose := quote.PrevClose
	if prevClose == 0 {
		prevClose = quote.Current
	}
	name := prof.Name
	if name == "" {
		name = symbol
	}

	return models.Profile{
		Symbol:      symbol,
		CompanyName: name,
		Logo:        prof.Logo,
		PrevClose:   prevClose,
		Price:       quote.Current,
		Category:    prof.Industry,
	}, nil
}

func (f *FinnhubSource) get(ctx context.Context, path, symbol string, dst interface{}) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("token", f.token)
	reqURL := f.baseURL + path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
