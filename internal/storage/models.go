package storage

import "time"

// EntityKind identifies one of the crawled record families.
type EntityKind string

const (
	KindProduct         EntityKind = "product"
	KindKeyword         EntityKind = "keyword"
	KindRank            EntityKind = "rank"
	KindPromotedKeyword EntityKind = "p4p"
	KindCategory        EntityKind = "category"
)

// Product is one approved listing as reported by the product management endpoint.
// The full product set is replaced on every product crawl run.
type Product struct {
	ID              int64
	StyleNo         string
	Title           string
	Keywords        []string
	Owner           string
	ModifyTime      time.Time
	IsWindowProduct bool
	IsTradeProduct  bool
	RefreshedOn     time.Time // local calendar date of the crawl
}

// SearchVolume is the 12-month trailing search-volume series for a keyword,
// current month first. Fixed named fields so column ordering is unambiguous.
type SearchVolume struct {
	ThisMonth   int `json:"srh_pv_this_mon"`
	LastMonth1  int `json:"srh_pv_last_1mon"`
	LastMonth2  int `json:"srh_pv_last_2mon"`
	LastMonth3  int `json:"srh_pv_last_3mon"`
	LastMonth4  int `json:"srh_pv_last_4mon"`
	LastMonth5  int `json:"srh_pv_last_5mon"`
	LastMonth6  int `json:"srh_pv_last_6mon"`
	LastMonth7  int `json:"srh_pv_last_7mon"`
	LastMonth8  int `json:"srh_pv_last_8mon"`
	LastMonth9  int `json:"srh_pv_last_9mon"`
	LastMonth10 int `json:"srh_pv_last_10mon"`
	LastMonth11 int `json:"srh_pv_last_11mon"`
}

// Series returns the volumes ordered current month first.
func (v SearchVolume) Series() [12]int {
	return [12]int{
		v.ThisMonth, v.LastMonth1, v.LastMonth2, v.LastMonth3,
		v.LastMonth4, v.LastMonth5, v.LastMonth6, v.LastMonth7,
		v.LastMonth8, v.LastMonth9, v.LastMonth10, v.LastMonth11,
	}
}

// Keyword is one search-keyword statistics record, keyed by the normalized
// keyword string. Promoted is tri-state: the platform sometimes omits the flag,
// and absence is not the same as false.
type Keyword struct {
	Value         string
	RepeatKeyword string
	CompanyCount  int
	ShowcaseCount int
	Volume        SearchVolume
	Promoted      *bool
	Categories    []string
	RefreshedAt   time.Time // reference-timezone semantics, see crawler policy
}

// RankEntry is one competitor row of a rank snapshot. Position encodes
// page + row/100 (page 3 row 5 -> 3.05).
type RankEntry struct {
	ProductID int64   `json:"product_id"`
	Position  float64 `json:"ranking"`
}

// Rank is the full first-page search result snapshot for one normalized
// keyword. Entries may be empty: the keyword was queried and had no ranked
// results, which is distinct from no record existing at all.
type Rank struct {
	Keyword     string
	Entries     []RankEntry
	RefreshedOn time.Time
}

// PromotedKeyword is one P4P advertising keyword. Keyed by the keyword in the
// platform's original casing, not normalized.
type PromotedKeyword struct {
	Keyword      string
	QualityScore int
	Active       bool
	Tag          string
}
