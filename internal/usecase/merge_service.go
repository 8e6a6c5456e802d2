package usecase

import (
	"sort"
	"strings"
	"time"

	"github.com/pharmalens/backend/internal/domain"
)

// MergeService unifies scored candidates with the stored state of their scope
type MergeService struct {
	scorer *Scorer
	now    func() time.Time
}

// NewMergeService creates a merge engine using the scorer's corroboration rule
func NewMergeService(scorer *Scorer) *MergeService {
	return &MergeService{
		scorer: scorer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Merge folds a batch into the existing records and returns one upsert per
// identity triple touched by the batch, sorted by identity.
//
// Identity is the exact (role, api, country, company key) match. Within a
// group, candidates are folded in canonical order so the result does not
// depend on batch order:
//   - sources are the union of stored and batch sources, keeping the highest
//     contribution per source name;
//   - confidence never drops below the stored value;
//   - attribute fields already populated are never overwritten.
func (m *MergeService) Merge(batch []domain.ScoredCandidate, existing map[domain.Identity]domain.MergedRecord) []domain.MergedRecord {
	groups := make(map[domain.Identity][]domain.ScoredCandidate)
	for _, sc := range batch {
		if sc.Company == "" {
			continue
		}
		id := sc.Identity()
		groups[id] = append(groups[id], sc)
	}

	now := m.now()
	out := make([]domain.MergedRecord, 0, len(groups))
	for id, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			return canonicalLess(group[i], group[j])
		})

		prior, found := existing[id]
		out = append(out, m.fold(id, prior, found, group, now))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity().String() < out[j].Identity().String()
	})
	return out
}

func (m *MergeService) fold(id domain.Identity, prior domain.MergedRecord, found bool, group []domain.ScoredCandidate, now time.Time) domain.MergedRecord {
	rec := prior
	if !found {
		first := group[0]
		rec = domain.MergedRecord{
			Role:      id.Role,
			API:       id.API,
			Country:   id.Country,
			Company:   first.Company,
			CreatedAt: now,
		}
	}
	rec.CompanyKey = id.CompanyKey

	sources := make(map[string]domain.SourceRef, len(prior.Sources)+len(group))
	for _, ref := range prior.Sources {
		sources[ref.Name] = mergeSourceRef(sources[ref.Name], ref)
	}

	for _, sc := range group {
		sources[sc.SourceName] = mergeSourceRef(sources[sc.SourceName], domain.SourceRef{
			Name:         sc.SourceName,
			Kind:         sc.SourceKind,
			URL:          sc.SourceURL,
			Contribution: sc.Contribution,
		})
		rec.Attributes = rec.Attributes.FillFrom(sc.Attributes)
		if rec.URL == "" {
			rec.URL = sc.SourceURL
		}
		if rec.SourceFile == "" {
			rec.SourceFile = sc.SourceFile
		}
	}

	rec.Sources = make([]domain.SourceRef, 0, len(sources))
	best := 0
	for _, ref := range sources {
		rec.Sources = append(rec.Sources, ref)
		if ref.Contribution > best {
			best = ref.Contribution
		}
	}
	sort.Slice(rec.Sources, func(i, j int) bool { return rec.Sources[i].Name < rec.Sources[j].Name })

	if combined := m.scorer.Combine(best, len(rec.Sources)); combined > rec.Confidence {
		rec.Confidence = combined
	}
	rec.UpdatedAt = now
	return rec
}

// mergeSourceRef keeps the highest contribution and the first known URL
func mergeSourceRef(have, next domain.SourceRef) domain.SourceRef {
	if have.Name == "" {
		return next
	}
	if next.Contribution > have.Contribution {
		have.Contribution = next.Contribution
	}
	if have.URL == "" {
		have.URL = next.URL
	}
	if have.Kind == "" {
		have.Kind = next.Kind
	}
	return have
}

// canonicalLess orders candidates of one identity: strongest contribution
// first, then by source name, URL, display name and attribute text.
func canonicalLess(a, b domain.ScoredCandidate) bool {
	if a.Contribution != b.Contribution {
		return a.Contribution > b.Contribution
	}
	ka, kb := canonicalKey(a), canonicalKey(b)
	for i := range ka {
		if ka[i] != kb[i] {
			return ka[i] < kb[i]
		}
	}
	return false
}

func canonicalKey(sc domain.ScoredCandidate) [11]string {
	a := sc.Attributes
	return [11]string{
		sc.SourceName,
		sc.SourceURL,
		sc.Company,
		a.Form,
		a.Strength,
		a.ProductName,
		a.USDMF,
		a.CEP,
		a.AdditionalInfo,
		a.VerificationSource,
		strings.Join([]string{sc.SourceFile, string(sc.SourceKind)}, "|"),
	}
}

// ExistingIndex indexes stored records by identity for Merge
func ExistingIndex(records []domain.MergedRecord) map[domain.Identity]domain.MergedRecord {
	index := make(map[domain.Identity]domain.MergedRecord, len(records))
	for _, r := range records {
		index[r.Identity()] = r
	}
	return index
}

// SameContent reports whether two records carry the same persisted content,
// ignoring timestamps
func SameContent(a, b domain.MergedRecord) bool {
	if a.Confidence != b.Confidence || a.Attributes != b.Attributes ||
		a.URL != b.URL || a.SourceFile != b.SourceFile || len(a.Sources) != len(b.Sources) {
		return false
	}
	as := append([]domain.SourceRef(nil), a.Sources...)
	bs := append([]domain.SourceRef(nil), b.Sources...)
	sort.Slice(as, func(i, j int) bool { return as[i].Name < as[j].Name })
	sort.Slice(bs, func(i, j int) bool { return bs[i].Name < bs[j].Name })
	for i := range as {
		if as[i].Name != bs[i].Name || as[i].Contribution != bs[i].Contribution {
			return false
		}
	}
	return true
}
