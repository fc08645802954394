package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dgjiede/alispider/internal/crawler"
	"github.com/dgjiede/alispider/internal/memory"
	"github.com/dgjiede/alispider/internal/storage"
)

// Exporter writes denormalized CSV reports from the stored crawl data. Files
// are date-stamped, a rerun on the same day overwrites them.
type Exporter struct {
	store   *storage.Store
	catalog *memory.Catalog
	dir     string
	now     func() time.Time
}

// NewExporter builds an exporter writing into dir. The catalog is loaded from
// the store on first use.
func NewExporter(store *storage.Store, catalog *memory.Catalog, dir string) *Exporter {
	return &Exporter{
		store:   store,
		catalog: catalog,
		dir:     dir,
		now:     time.Now,
	}
}

// WriteAll generates every report.
func (e *Exporter) WriteAll(keywords []string) error {
	if err := e.loadCatalog(); err != nil {
		return err
	}
	if err := e.WriteOverview(keywords); err != nil {
		return err
	}
	if err := e.WriteMonthlyKeywords(); err != nil {
		return err
	}
	return e.WritePromotedKeywords()
}

func (e *Exporter) loadCatalog() error {
	if e.catalog.Size() > 0 {
		return nil
	}
	products, err := e.store.AllProducts()
	if err != nil {
		return err
	}
	e.catalog.Load(products)
	return nil
}

// WriteOverview writes one row per keyword and owning product: who ranks
// where for the keyword, who holds the top position, and the keyword's
// competition stats. Keywords without an owning product still get a row.
func (e *Exporter) WriteOverview(keywords []string) error {
	if err := e.loadCatalog(); err != nil {
		return err
	}

	path := filepath.Join(e.dir, "overview-"+e.now().Format("20060102")+".csv")
	w, file, err := e.openReport(path)
	if err != nil {
		return err
	}
	defer file.Close()

	header := []string{
		"keyword", "owner", "style_no", "ranking", "top1_ranking", "top1_style_no",
		"top1_modify_time", "is_trade_product", "is_window_product", "is_p4p_keyword",
		"company_count", "showcase_count", "search_volume", "generated_on",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write overview header: %w", err)
	}

	generatedOn := e.now().Format("2006-01-02")
	seen := make(map[string]bool)
	for _, raw := range keywords {
		keyword := crawler.Normalize(raw)
		if keyword == "" || seen[keyword] {
			continue
		}
		seen[keyword] = true

		promoted, companyCnt, showcaseCnt, volume := "-", "-", "-", "-"
		if kw, err := e.store.QueryKeyword(keyword); err != nil {
			return err
		} else if kw != nil {
			promoted = formatTriState(kw.Promoted)
			companyCnt = strconv.Itoa(kw.CompanyCount)
			showcaseCnt = strconv.Itoa(kw.ShowcaseCount)
			volume = strconv.Itoa(kw.Volume.ThisMonth)
		}

		rank, err := e.store.QueryRank(keyword)
		if err != nil {
			return err
		}
		top1Ranking, top1StyleNo, top1ModifyTime := "-", "-", "-"
		if top1 := topEntry(rank); top1 != nil {
			top1Ranking = formatPosition(top1.Position)
			if p := e.catalog.ProductByID(top1.ProductID); p != nil {
				top1StyleNo = p.StyleNo
				top1ModifyTime = p.ModifyTime.Format("2006-01-02 15:04:05")
			}
		}

		products := e.catalog.ProductsForKeyword(keyword)
		if len(products) == 0 {
			err := w.Write([]string{
				keyword, "-", "-", "-", top1Ranking, top1StyleNo, top1ModifyTime,
				"-", "-", promoted, companyCnt, showcaseCnt, volume, generatedOn,
			})
			if err != nil {
				return fmt.Errorf("failed to write overview row: %w", err)
			}
			continue
		}

		for _, p := range products {
			ranking := "-"
			if pos, ok := positionOf(rank, p.ID); ok {
				ranking = formatPosition(pos)
			}
			err := w.Write([]string{
				keyword, p.Owner, p.StyleNo, ranking, top1Ranking, top1StyleNo,
				top1ModifyTime, formatBool(p.IsTradeProduct), formatBool(p.IsWindowProduct),
				promoted, companyCnt, showcaseCnt, volume, generatedOn,
			})
			if err != nil {
				return fmt.Errorf("failed to write overview row: %w", err)
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush overview report: %w", err)
	}
	logrus.WithField("file", path).Info("Overview report written")
	return nil
}

// WriteMonthlyKeywords writes the 12-month search-volume report for keywords
// the shop does not already cover with its own products.
func (e *Exporter) WriteMonthlyKeywords() error {
	if err := e.loadCatalog(); err != nil {
		return err
	}

	path := filepath.Join(e.dir, "month-keywords-"+e.now().Format("200601")+".csv")
	w, file, err := e.openReport(path)
	if err != nil {
		return err
	}
	defer file.Close()

	header := []string{"keyword", "company_count", "showcase_count"}
	now := e.now()
	for i := 0; i < 12; i++ {
		header = append(header, now.AddDate(0, -i, 0).Format("2006/01")+" volume")
	}
	header = append(header, "categories")
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write keyword header: %w", err)
	}

	keywords, err := e.store.AllKeywords()
	if err != nil {
		return err
	}
	for _, kw := range keywords {
		if len(e.catalog.ProductsForKeyword(kw.Value)) > 0 {
			continue
		}
		row := []string{kw.Value, strconv.Itoa(kw.CompanyCount), strconv.Itoa(kw.ShowcaseCount)}
		for _, v := range kw.Volume.Series() {
			row = append(row, strconv.Itoa(v))
		}
		row = append(row, joinCategories(kw.Categories))
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write keyword row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush keyword report: %w", err)
	}
	logrus.WithField("file", path).Info("Monthly keyword report written")
	return nil
}

// WritePromotedKeywords writes the P4P advertising keyword report.
func (e *Exporter) WritePromotedKeywords() error {
	path := filepath.Join(e.dir, "p4p-"+e.now().Format("20060102")+".csv")
	w, file, err := e.openReport(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := w.Write([]string{"keyword", "quality_score", "tag", "active"}); err != nil {
		return fmt.Errorf("failed to write p4p header: %w", err)
	}

	records, err := e.store.AllPromotedKeywords()
	if err != nil {
		return err
	}
	for _, p := range records {
		row := []string{p.Keyword, strconv.Itoa(p.QualityScore), p.Tag, formatBool(p.Active)}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write p4p row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush p4p report: %w", err)
	}
	logrus.WithField("file", path).Info("P4P report written")
	return nil
}

func (e *Exporter) openReport(path string) (*csv.Writer, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create report file: %w", err)
	}
	return csv.NewWriter(file), file, nil
}

// topEntry returns the best (lowest) position entry of a rank snapshot.
func topEntry(rank *storage.Rank) *storage.RankEntry {
	if rank == nil || len(rank.Entries) == 0 {
		return nil
	}
	entries := make([]storage.RankEntry, len(rank.Entries))
	copy(entries, rank.Entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Position < entries[j].Position })
	return &entries[0]
}

func positionOf(rank *storage.Rank, productID int64) (float64, bool) {
	if rank == nil {
		return 0, false
	}
	for _, entry := range rank.Entries {
		if entry.ProductID == productID {
			return entry.Position, true
		}
	}
	return 0, false
}

func formatPosition(pos float64) string {
	return strconv.FormatFloat(pos, 'f', 2, 64)
}

func formatBool(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatTriState(b *bool) string {
	if b == nil {
		return "-"
	}
	return formatBool(*b)
}

func joinCategories(categories []string) string {
	if len(categories) == 0 {
		return ""
	}
	out := categories[0]
	for _, c := range categories[1:] {
		out += "; " + c
	}
	return out
}
