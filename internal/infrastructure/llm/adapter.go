package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pharmalens/backend/internal/domain"
	"github.com/pharmalens/backend/internal/platform/logger"
)

const (
	buyerSystemPrompt = `You are a pharmaceutical manufacturing expert specializing in identifying companies that manufacture FINISHED DOSAGE FORMS containing specific APIs.
Only include companies that manufacture finished medicines. Exclude API-only manufacturers, raw material suppliers, importers and distributors. When in doubt, exclude the company.`

	manufacturerSystemPrompt = `You are a pharmaceutical regulatory research assistant. You list producers of active pharmaceutical ingredients backed by regulatory filings such as US DMF and CEP.`
)

// buyerPrompt asks for finished-dosage manufacturers that use the API
func buyerPrompt(api, country string) string {
	where := country
	if where == "" {
		where = "any country"
	}
	return fmt.Sprintf(`Find companies that manufacture FINISHED DOSAGE FORMS (tablets, capsules, injections, etc.) containing the API '%[1]s' as an ingredient in %[2]s.

Do not include API-only manufacturers, bulk drug or raw material suppliers, importers, distributors or trading companies.
For each company provide the exact product name containing '%[1]s', the manufacturing location and a public source.
Only include companies you are at least 90%% confident about.

Return ONLY a markdown table with these exact columns:
| Company | Product Name | Form | Strength | Manufacturing Location | Verification Source | Confidence (%%) | URL | Additional Info |

If no company meets the criteria, return only the table header.`, api, where)
}

// manufacturerPrompt asks for API producers with their registrations
func manufacturerPrompt(api, country string) string {
	where := "in " + country
	if country == "" {
		where = "worldwide"
	}
	return fmt.Sprintf(`Search FDA Orange Book, Pharmaoffer, Pharmacompass and other trusted pharma directories for API manufacturers of %s %s.
Return strictly as a Markdown table:
| manufacturers | country | usdmf | cep |

Leave usdmf or cep empty when no filing is known.`, api, where)
}

// Adapter exposes a Generator as an llm_table source
type Adapter struct {
	name      string
	generator Generator
	log       *logger.Logger
	now       func() time.Time
}

// NewAdapter names a generator as a source
func NewAdapter(name string, generator Generator, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Nop()
	}
	return &Adapter{
		name:      name,
		generator: generator,
		log:       log.With("source", name),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (a *Adapter) Name() string            { return a.name }
func (a *Adapter) Kind() domain.SourceKind { return domain.KindLLMTable }

// Fetch sends one prompt per requested role. Blank answers are skipped.
func (a *Adapter) Fetch(ctx context.Context, q domain.Query) ([]domain.RawEvidence, error) {
	var out []domain.RawEvidence
	for _, role := range q.Roles() {
		system, prompt := prompts(role, q.API, q.Country)

		start := time.Now()
		answer, err := a.generator.Generate(ctx, system, prompt)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s: %w", domain.ErrSourceUnavailable, a.name, err)
			}
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrSourceUnavailable, a.name, err)
		}
		a.log.Debug("model answered", "role", role, "chars", len(answer), "duration", time.Since(start))

		if strings.TrimSpace(answer) == "" {
			continue
		}
		out = append(out, domain.RawEvidence{
			Source:     a.name,
			Kind:       domain.KindLLMTable,
			Role:       role,
			API:        q.API,
			Country:    q.Country,
			Text:       answer,
			ObservedAt: a.now(),
		})
	}
	return out, nil
}

// Close releases the generator's connection, if it holds one
func (a *Adapter) Close() error {
	if c, ok := a.generator.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func prompts(role domain.Role, api, country string) (system, prompt string) {
	if role == domain.RoleManufacturer {
		return manufacturerSystemPrompt, manufacturerPrompt(api, country)
	}
	return buyerSystemPrompt, buyerPrompt(api, country)
}
