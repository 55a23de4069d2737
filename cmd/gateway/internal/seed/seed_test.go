package seed_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/cache"
	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/seed"
	"github.com/shubham-shewale/stock-relay/pkg/models"
)

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	doc := `profiles:
  - symbol: aapl
    companyName: Apple Inc
    logo: https://static.example/aapl.png
    prevClose: 150
    category: Technology
  - symbol: ""
  - symbol: TSLA
    companyName: Tesla Inc
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	profiles, err := seed.NewFileSource(path).Profiles(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "AAPL", profiles[0].Symbol)
	assert.Equal(t, 150.0, profiles[0].PrevClose)
	assert.Equal(t, "Technology", profiles[0].Category)
	assert.Equal(t, "TSLA", profiles[1].Symbol)
}

func TestFileSource_Missing(t *testing.T) {
	_, err := seed.NewFileSource(filepath.Join(t.TempDir(), "nope.yaml")).Profiles(context.Background(), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type fakeFinder struct {
	docs   []interface{}
	err    error
	filter interface{}
}

func (f *fakeFinder) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return mongo.NewCursorFromDocuments(f.docs, nil, nil)
}

func TestMongoSource(t *testing.T) {
	finder := &fakeFinder{docs: []interface{}{
		bson.D{{Key: "symbol", Value: "AAPL"}, {Key: "companyName", Value: "Apple Inc"}, {Key: "prevClose", Value: 150.0}},
		bson.D{{Key: "symbol", Value: "MSFT"}, {Key: "companyName", Value: "Microsoft"}, {Key: "prevClose", Value: 400.0}},
	}}
	src := seed.NewMongoSource(finder)

	profiles, err := src.Profiles(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "Microsoft", profiles[1].CompanyName)
	assert.Equal(t, bson.M{"symbol": bson.M{"$in": []string{"AAPL", "MSFT"}}}, finder.filter)
}

func TestMongoSource_FindError(t *testing.T) {
	src := seed.NewMongoSource(&fakeFinder{err: errors.New("no reachable servers")})
	_, err := src.Profiles(context.Background(), []string{"AAPL"})
	assert.ErrorContains(t, err, "no reachable servers")
}

func finnhubServer(t *testing.T, hits *int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt64(hits, 1)
		}
		if r.URL.Query().Get("token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		sym := r.URL.Query().Get("symbol")
		switch r.URL.Path {
		case "/stock/profile2":
			if sym == "AAPL" {
				fmt.Fprint(w, `{"name":"Apple Inc","logo":"https://static.example/aapl.png","finnhubIndustry":"Technology"}`)
				return
			}
			fmt.Fprint(w, `{}`)
		case "/quote":
			switch sym {
			case "AAPL":
				fmt.Fprint(w, `{"c":153,"pc":150}`)
			case "NEWCO":
				fmt.Fprint(w, `{"c":12.5,"pc":0}`)
			default:
				fmt.Fprint(w, `{"c":0,"pc":0}`)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestFinnhubSource(t *testing.T) {
	server := finnhubServer(t, nil)
	defer server.Close()
	src := seed.NewFinnhubSource(server.URL, "tok", server.Client())

	profiles, err := src.Profiles(context.Background(), []string{"AAPL", "NEWCO", "ZZZZ"})
	require.Error(t, err)
	assert.ErrorIs(t, err, seed.ErrUnknownSymbol)
	require.Len(t, profiles, 2)

	bySym := map[string]models.Profile{}
	for _, p := range profiles {
		bySym[p.Symbol] = p
	}
	assert.Equal(t, models.Profile{
		Symbol: "AAPL", CompanyName: "Apple Inc", Logo: "https://static.example/aapl.png",
		PrevClose: 150, Price: 153, Category: "Technology",
	}, bySym["AAPL"])
	// No previous close: the current price stands in, the name falls back to the symbol.
	assert.Equal(t, 12.5, bySym["NEWCO"].PrevClose)
	assert.Equal(t, "NEWCO", bySym["NEWCO"].CompanyName)
}

func TestFinnhubSource_BadToken(t *testing.T) {
	server := finnhubServer(t, nil)
	defer server.Close()
	src := seed.NewFinnhubSource(server.URL, "wrong", server.Client())

	profiles, err := src.Profiles(context.Background(), []string{"AAPL"})
	assert.Empty(t, profiles)
	assert.ErrorContains(t, err, "status 401")
}

type staticSource struct {
	name     string
	profiles []models.Profile
	err      error
	mu       sync.Mutex
	asked    [][]string
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Profiles(ctx context.Context, symbols []string) ([]models.Profile, error) {
	s.mu.Lock()
	s.asked = append(s.asked, symbols)
	s.mu.Unlock()
	return s.profiles, s.err
}

func TestLoader_MergesInOrder(t *testing.T) {
	c := cache.New()
	file := &staticSource{name: "file", profiles: []models.Profile{
		{Symbol: "AAPL", CompanyName: "Apple (file)", Logo: "file.png"},
		{Symbol: "TSLA", CompanyName: "Tesla Inc", PrevClose: 200},
	}}
	db := &staticSource{name: "mongo", err: errors.New("timeout")}
	rest := &staticSource{name: "finnhub", profiles: []models.Profile{
		{Symbol: "AAPL", CompanyName: "Apple Inc", Logo: "rest.png", PrevClose: 150, Price: 153, Category: "Technology"},
	}}

	n := seed.NewLoader(c, zap.NewNop(), file, db, rest).Load(context.Background(), []string{"aapl", "TSLA", "ZZZZ"})
	assert.Equal(t, 2, n)

	aapl, ok := c.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, "Apple (file)", aapl.CompanyName)
	assert.Equal(t, "file.png", aapl.Logo)
	assert.Equal(t, 150.0, aapl.PrevClose)
	assert.Equal(t, "Technology", aapl.Category)

	// TSLA was complete after the file, so later sources never saw it.
	assert.Equal(t, []string{"AAPL", "ZZZZ"}, rest.asked[0])
	assert.False(t, c.Has("ZZZZ"))
}

func TestLoader_SkipsSeeded(t *testing.T) {
	c := cache.New()
	c.Seed(models.Profile{Symbol: "AAPL", PrevClose: 100})
	src := &staticSource{name: "finnhub", profiles: []models.Profile{{Symbol: "AAPL", PrevClose: 150}}}

	n := seed.NewLoader(c, zap.NewNop(), src).Load(context.Background(), []string{"AAPL"})

	assert.Equal(t, 0, n)
	assert.Empty(t, src.asked)
	q, _ := c.Get("AAPL")
	assert.Equal(t, 100.0, q.PrevClose)
}

func TestOnDemand_DeduplicatesConcurrentLoads(t *testing.T) {
	var hits int64
	server := finnhubServer(t, &hits)
	defer server.Close()

	c := cache.New()
	loader := seed.NewLoader(c, zap.NewNop(), seed.NewFinnhubSource(server.URL, "tok", server.Client()))
	od := seed.NewOnDemand(loader, c, time.Second, zap.NewNop())

	for i := 0; i < 10; i++ {
		od.Ensure("AAPL")
	}
	od.Wait()

	assert.True(t, c.Has("AAPL"))
	// Each load is two requests; later callers either joined it or found
	// the symbol already seeded.
	assert.LessOrEqual(t, atomic.LoadInt64(&hits), int64(20))
	assert.GreaterOrEqual(t, atomic.LoadInt64(&hits), int64(2))

	before := atomic.LoadInt64(&hits)
	od.Ensure("AAPL")
	od.Wait()
	assert.Equal(t, before, atomic.LoadInt64(&hits))
}

type fakeSnapshots struct {
	quotes []models.CachedQuote
	err    error
}

func (f fakeSnapshots) GetSnapshots(ctx context.Context, symbols []string) ([]models.CachedQuote, error) {
	return f.quotes, f.err
}

func TestMirrorSource(t *testing.T) {
	src := seed.NewMirrorSource(fakeSnapshots{quotes: []models.CachedQuote{
		{Symbol: "NVDA", CompanyName: "NVIDIA Corp", Price: 905.5, PrevClose: 880, Category: "Semiconductors"},
	}})

	c := cache.New()
	n := seed.NewLoader(c, zap.NewNop(), src).Load(context.Background(), []string{"NVDA"})
	require.Equal(t, 1, n)

	q, ok := c.Get("NVDA")
	require.True(t, ok)
	assert.Equal(t, 905.5, q.Price)
	assert.Equal(t, 880.0, q.PrevClose)
	assert.Equal(t, "NVIDIA Corp", q.CompanyName)

	_, err := seed.NewMirrorSource(fakeSnapshots{err: errors.New("redis down")}).Profiles(context.Background(), []string{"NVDA"})
	assert.Error(t, err)
}
