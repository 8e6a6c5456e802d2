package persistence

import (
	"sort"
	"time"

	"github.com/pharmalens/backend/internal/domain"
)

// AttributeColumns are shared by both record tables so records round-trip
// without losing fields the normalizer extracted from free text
type AttributeColumns struct {
	Form               string `gorm:"column:form;not null"`
	Strength           string `gorm:"column:strength;not null"`
	ProductName        string `gorm:"column:product_name;not null"`
	USDMF              string `gorm:"column:usdmf;not null"`
	CEP                string `gorm:"column:cep;not null"`
	AdditionalInfo     string `gorm:"column:additional_info;not null"`
	VerificationSource string `gorm:"column:verification_source;not null"`
}

// attributeColumnNames lists the fill-empty columns of AttributeColumns
var attributeColumnNames = []string{
	"form", "strength", "product_name", "usdmf", "cep", "additional_info", "verification_source",
}

func toAttributeColumns(a domain.Attributes) AttributeColumns {
	return AttributeColumns{
		Form:               a.Form,
		Strength:           a.Strength,
		ProductName:        a.ProductName,
		USDMF:              a.USDMF,
		CEP:                a.CEP,
		AdditionalInfo:     a.AdditionalInfo,
		VerificationSource: a.VerificationSource,
	}
}

func (c AttributeColumns) toDomain() domain.Attributes {
	return domain.Attributes{
		Form:               c.Form,
		Strength:           c.Strength,
		ProductName:        c.ProductName,
		USDMF:              c.USDMF,
		CEP:                c.CEP,
		AdditionalInfo:     c.AdditionalInfo,
		VerificationSource: c.VerificationSource,
	}
}

// BuyerRecord is one finished-dosage manufacturer of an API in a country
type BuyerRecord struct {
	ID         uint   `gorm:"primaryKey"`
	API        string `gorm:"column:api;not null;uniqueIndex:uq_buyer_identity,priority:1;index:idx_buyer_scope,priority:1"`
	Country    string `gorm:"column:country;not null;uniqueIndex:uq_buyer_identity,priority:2;index:idx_buyer_scope,priority:2"`
	CompanyKey string `gorm:"column:company_key;not null;uniqueIndex:uq_buyer_identity,priority:3;index:idx_buyer_company"`
	Company    string `gorm:"column:company;not null"`
	Confidence int    `gorm:"column:confidence;not null"`

	AttributeColumns `gorm:"embedded"`

	URL        string    `gorm:"column:url;not null"`
	SourceFile string    `gorm:"column:source_file;not null"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (BuyerRecord) TableName() string { return "buyer_records" }

// ManufacturerRecord is one API supplier of an API in a country
type ManufacturerRecord struct {
	ID              uint   `gorm:"primaryKey"`
	APIName         string `gorm:"column:api_name;not null;uniqueIndex:uq_manufacturer_identity,priority:1;index:idx_manufacturer_scope,priority:1"`
	ManufacturerKey string `gorm:"column:manufacturer_key;not null;uniqueIndex:uq_manufacturer_identity,priority:2;index:idx_manufacturer_name"`
	Country         string `gorm:"column:country;not null;uniqueIndex:uq_manufacturer_identity,priority:3;index:idx_manufacturer_scope,priority:2"`
	Manufacturer    string `gorm:"column:manufacturer;not null"`
	Confidence      int    `gorm:"column:confidence;not null"`

	AttributeColumns `gorm:"embedded"`

	URL        string     `gorm:"column:url;not null"`
	SourceFile string     `gorm:"column:source_file;not null"`
	ImportedAt *time.Time `gorm:"column:imported_at"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at"`
}

func (ManufacturerRecord) TableName() string { return "manufacturer_records" }

// RecordSource is one provenance row: a source that reported a record
type RecordSource struct {
	ID           uint      `gorm:"primaryKey"`
	Role         string    `gorm:"column:role;not null;uniqueIndex:uq_record_source,priority:1;index:idx_record_source_scope,priority:1"`
	API          string    `gorm:"column:api;not null;uniqueIndex:uq_record_source,priority:2;index:idx_record_source_scope,priority:2"`
	Country      string    `gorm:"column:country;not null;uniqueIndex:uq_record_source,priority:3"`
	CompanyKey   string    `gorm:"column:company_key;not null;uniqueIndex:uq_record_source,priority:4"`
	Source       string    `gorm:"column:source;not null;uniqueIndex:uq_record_source,priority:5"`
	Kind         string    `gorm:"column:kind;not null"`
	URL          string    `gorm:"column:url;not null"`
	Contribution int       `gorm:"column:contribution;not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (RecordSource) TableName() string { return "record_sources" }

func toBuyerRow(r domain.MergedRecord) BuyerRecord {
	return BuyerRecord{
		API:              r.API,
		Country:          r.Country,
		CompanyKey:       r.Identity().CompanyKey,
		Company:          r.Company,
		Confidence:       r.Confidence,
		AttributeColumns: toAttributeColumns(r.Attributes),
		URL:              r.URL,
		SourceFile:       r.SourceFile,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func toManufacturerRow(r domain.MergedRecord) ManufacturerRecord {
	row := ManufacturerRecord{
		APIName:          r.API,
		ManufacturerKey:  r.Identity().CompanyKey,
		Country:          r.Country,
		Manufacturer:     r.Company,
		Confidence:       r.Confidence,
		AttributeColumns: toAttributeColumns(r.Attributes),
		URL:              r.URL,
		SourceFile:       r.SourceFile,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
	if r.SourceFile != "" {
		imported := r.UpdatedAt.UTC()
		row.ImportedAt = &imported
	}
	return row
}

func toSourceRows(r domain.MergedRecord) []RecordSource {
	key := r.Identity().CompanyKey
	rows := make([]RecordSource, 0, len(r.Sources))
	for _, s := range r.Sources {
		rows = append(rows, RecordSource{
			Role:         string(r.Role),
			API:          r.API,
			Country:      r.Country,
			CompanyKey:   key,
			Source:       s.Name,
			Kind:         string(s.Kind),
			URL:          s.URL,
			Contribution: s.Contribution,
			CreatedAt:    r.UpdatedAt.UTC(),
			UpdatedAt:    r.UpdatedAt.UTC(),
		})
	}
	return rows
}

func (b BuyerRecord) toDomain() domain.MergedRecord {
	return domain.MergedRecord{
		Role:       domain.RoleBuyer,
		API:        b.API,
		Country:    b.Country,
		Company:    b.Company,
		CompanyKey: b.CompanyKey,
		Confidence: b.Confidence,
		Attributes: b.AttributeColumns.toDomain(),
		URL:        b.URL,
		SourceFile: b.SourceFile,
		CreatedAt:  b.CreatedAt.UTC(),
		UpdatedAt:  b.UpdatedAt.UTC(),
	}
}

func (m ManufacturerRecord) toDomain() domain.MergedRecord {
	return domain.MergedRecord{
		Role:       domain.RoleManufacturer,
		API:        m.APIName,
		Country:    m.Country,
		Company:    m.Manufacturer,
		CompanyKey: m.ManufacturerKey,
		Confidence: m.Confidence,
		Attributes: m.AttributeColumns.toDomain(),
		URL:        m.URL,
		SourceFile: m.SourceFile,
		CreatedAt:  m.CreatedAt.UTC(),
		UpdatedAt:  m.UpdatedAt.UTC(),
	}
}

// sourceIndex groups provenance rows by (country, company key)
type sourceIndex map[[2]string][]domain.SourceRef

func indexSources(rows []RecordSource) sourceIndex {
	idx := make(sourceIndex)
	for _, s := range rows {
		k := [2]string{s.Country, s.CompanyKey}
		idx[k] = append(idx[k], domain.SourceRef{
			Name:         s.Source,
			Kind:         domain.SourceKind(s.Kind),
			URL:          s.URL,
			Contribution: s.Contribution,
		})
	}
	for _, refs := range idx {
		sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	}
	return idx
}

func (idx sourceIndex) attach(r *domain.MergedRecord) {
	r.Sources = idx[[2]string{r.Country, r.CompanyKey}]
	if r.Sources == nil {
		r.Sources = []domain.SourceRef{}
	}
}
