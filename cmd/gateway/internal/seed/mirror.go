package seed

import (
	"context"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

type SnapshotReader interface {
	GetSnapshots(ctx context.Context, symbols []string) ([]models.CachedQuote, error)
}

// MirrorSource restores the last mirrored quotes after a restart so cards
// show a price before the first tick arrives.
type MirrorSource struct {
	reader SnapshotReader
}

func NewMirrorSource(reader SnapshotReader) *MirrorSource {
	return &MirrorSource{reader: reader}
}

func (m *MirrorSource) Name() string { return "mirror" }

func (m *MirrorSource) Profiles(ctx context.Context, symbols []string) ([]models.Profile, error) {
	quotes, err := m.reader.GetSnapshots(ctx, symbols)
	if err != nil {
		return nil, err
	}
	profiles := make([]models.Profile, 0, len(quotes))
	for _, q := range quotes {
		profiles = append(profiles, models.Profile{
			Symbol:      q.Symbol,
			CompanyName: q.CompanyName,
			Logo:        q.Logo,
			Price:       q.Price,
			PrevClose:   q.PrevClose,
			Category:    q.Category,
		})
	}
	return profiles, nil
}
