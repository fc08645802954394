package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	dateFormat     = "2006-01-02"
	dateTimeFormat = "2006-01-02 15:04:05"
)

// Store handles all database operations. Every upsert commits immediately so
// that an interrupted run loses at most the in-flight record.
type Store struct {
	db *sql.DB
}

// NewStore opens/creates the SQLite database and initializes the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables and indices if they don't exist
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY,
		style_no TEXT,
		title TEXT,
		keywords TEXT,
		owner TEXT,
		modify_time TEXT,
		is_window INTEGER DEFAULT 0,
		is_trade INTEGER DEFAULT 0,
		refreshed_on TEXT
	);

	CREATE TABLE IF NOT EXISTS keywords (
		value TEXT PRIMARY KEY,
		repeat_keyword TEXT,
		company_cnt INTEGER DEFAULT 0,
		showwin_cnt INTEGER DEFAULT 0,
		srh_pv TEXT,
		promoted INTEGER,
		categories TEXT,
		refreshed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS rank (
		keyword TEXT PRIMARY KEY,
		ranking TEXT,
		refreshed_on TEXT
	);

	CREATE TABLE IF NOT EXISTS p4p (
		keyword TEXT PRIMARY KEY,
		qs_star INTEGER DEFAULT 0,
		is_active INTEGER DEFAULT 0,
		tag TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_products_style ON products(style_no);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ReplaceProducts deletes the existing product set and inserts the given batch
// in one transaction. The platform exposes no change feed, so the product
// catalog is rebuilt wholesale each run.
func (s *Store) ReplaceProducts(products []Product) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM products"); err != nil {
		return fmt.Errorf("failed to clear products: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO products (id, style_no, title, keywords, owner, modify_time, is_window, is_trade, refreshed_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range products {
		keywords, err := json.Marshal(p.Keywords)
		if err != nil {
			return fmt.Errorf("failed to encode keywords for product %d: %w", p.ID, err)
		}
		_, err = stmt.Exec(
			p.ID, p.StyleNo, p.Title, string(keywords), p.Owner,
			p.ModifyTime.Format(dateTimeFormat),
			boolToInt(p.IsWindowProduct), boolToInt(p.IsTradeProduct),
			p.RefreshedOn.Format(dateFormat),
		)
		if err != nil {
			return fmt.Errorf("failed to insert product %d: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit products: %w", err)
	}
	return nil
}

// AppendProducts inserts a page of products without touching existing rows.
// Used for pages after the first once ReplaceProducts cleared the table.
func (s *Store) AppendProducts(products []Product) error {
	if len(products) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO products (id, style_no, title, keywords, owner, modify_time, is_window, is_trade, refreshed_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range products {
		keywords, err := json.Marshal(p.Keywords)
		if err != nil {
			return fmt.Errorf("failed to encode keywords for product %d: %w", p.ID, err)
		}
		_, err = stmt.Exec(
			p.ID, p.StyleNo, p.Title, string(keywords), p.Owner,
			p.ModifyTime.Format(dateTimeFormat),
			boolToInt(p.IsWindowProduct), boolToInt(p.IsTradeProduct),
			p.RefreshedOn.Format(dateFormat),
		)
		if err != nil {
			return fmt.Errorf("failed to insert product %d: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit products: %w", err)
	}
	return nil
}

// ClearProducts removes all product rows. Called once before a product crawl
// starts appending pages.
func (s *Store) ClearProducts() error {
	if _, err := s.db.Exec("DELETE FROM products"); err != nil {
		return fmt.Errorf("failed to clear products: %w", err)
	}
	return nil
}

// AllProducts returns every stored product.
func (s *Store) AllProducts() ([]*Product, error) {
	rows, err := s.db.Query(`
		SELECT id, style_no, title, keywords, owner, modify_time, is_window, is_trade, refreshed_on
		FROM products
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}
	return products, nil
}

// ProductKeywords returns the deduplicated set of keywords attached to stored
// products. Order is unspecified; callers sort after merging other sources.
func (s *Store) ProductKeywords() ([]string, error) {
	rows, err := s.db.Query("SELECT keywords FROM products")
	if err != nil {
		return nil, fmt.Errorf("failed to query product keywords: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var keywords []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan product keywords: %w", err)
		}
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			continue
		}
		for _, kw := range list {
			if kw == "" || seen[kw] {
				continue
			}
			seen[kw] = true
			keywords = append(keywords, kw)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating product keywords: %w", err)
	}
	return keywords, nil
}

// UpsertKeyword inserts a new keyword record or updates the existing one in
// place, preserving the single-row-per-value invariant.
func (s *Store) UpsertKeyword(kw *Keyword) error {
	if kw == nil {
		return nil
	}

	volume, err := json.Marshal(kw.Volume)
	if err != nil {
		return fmt.Errorf("failed to encode search volume: %w", err)
	}
	categories, err := json.Marshal(kw.Categories)
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO keywords (value, repeat_keyword, company_cnt, showwin_cnt, srh_pv, promoted, categories, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(value) DO UPDATE SET
			repeat_keyword = EXCLUDED.repeat_keyword,
			company_cnt = EXCLUDED.company_cnt,
			showwin_cnt = EXCLUDED.showwin_cnt,
			srh_pv = EXCLUDED.srh_pv,
			promoted = EXCLUDED.promoted,
			refreshed_at = EXCLUDED.refreshed_at
	`, kw.Value, kw.RepeatKeyword, kw.CompanyCount, kw.ShowcaseCount,
		string(volume), boolPtrToNull(kw.Promoted), string(categories),
		kw.RefreshedAt.Format(dateTimeFormat))

	if err != nil {
		return fmt.Errorf("failed to upsert keyword %q: %w", kw.Value, err)
	}
	return nil
}

// UpdateKeywordCategories stores the category labels for an existing keyword.
// Category labels survive keyword stat upserts, which deliberately leave the
// column untouched.
func (s *Store) UpdateKeywordCategories(value string, categories []string) error {
	encoded, err := json.Marshal(categories)
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}
	_, err = s.db.Exec("UPDATE keywords SET categories = ? WHERE value = ?", string(encoded), value)
	if err != nil {
		return fmt.Errorf("failed to update categories for %q: %w", value, err)
	}
	return nil
}

// QueryKeyword retrieves a keyword record by normalized value, nil if absent.
func (s *Store) QueryKeyword(value string) (*Keyword, error) {
	row := s.db.QueryRow(`
		SELECT value, repeat_keyword, company_cnt, showwin_cnt, srh_pv, promoted, categories, refreshed_at
		FROM keywords WHERE value = ?
	`, value)

	var kw Keyword
	var volume, categories string
	var promoted sql.NullInt64
	var refreshedAt string
	err := row.Scan(&kw.Value, &kw.RepeatKeyword, &kw.CompanyCount, &kw.ShowcaseCount,
		&volume, &promoted, &categories, &refreshedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get keyword %q: %w", value, err)
	}

	if err := json.Unmarshal([]byte(volume), &kw.Volume); err != nil {
		return nil, fmt.Errorf("corrupt search volume for %q: %w", value, err)
	}
	if categories != "" {
		if err := json.Unmarshal([]byte(categories), &kw.Categories); err != nil {
			return nil, fmt.Errorf("corrupt categories for %q: %w", value, err)
		}
	}
	if promoted.Valid {
		b := promoted.Int64 != 0
		kw.Promoted = &b
	}
	if refreshedAt != "" {
		t, err := time.Parse(dateTimeFormat, refreshedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt refresh time for %q: %w", value, err)
		}
		kw.RefreshedAt = t
	}
	return &kw, nil
}

// AllKeywords returns every stored keyword record sorted by value.
func (s *Store) AllKeywords() ([]*Keyword, error) {
	rows, err := s.db.Query("SELECT value FROM keywords ORDER BY value ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query keywords: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan keyword value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keywords: %w", err)
	}

	keywords := make([]*Keyword, 0, len(values))
	for _, v := range values {
		kw, err := s.QueryKeyword(v)
		if err != nil {
			return nil, err
		}
		if kw != nil {
			keywords = append(keywords, kw)
		}
	}
	return keywords, nil
}

// UpsertRank inserts or replaces the rank snapshot for a keyword.
func (s *Store) UpsertRank(r *Rank) error {
	if r == nil {
		return nil
	}

	entries := r.Entries
	if entries == nil {
		entries = []RankEntry{}
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode ranking: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO rank (keyword, ranking, refreshed_on)
		VALUES (?, ?, ?)
		ON CONFLICT(keyword) DO UPDATE SET
			ranking = EXCLUDED.ranking,
			refreshed_on = EXCLUDED.refreshed_on
	`, r.Keyword, string(encoded), r.RefreshedOn.Format(dateFormat))

	if err != nil {
		return fmt.Errorf("failed to upsert rank %q: %w", r.Keyword, err)
	}
	return nil
}

// QueryRank retrieves the rank snapshot for a normalized keyword, nil if absent.
func (s *Store) QueryRank(keyword string) (*Rank, error) {
	row := s.db.QueryRow("SELECT keyword, ranking, refreshed_on FROM rank WHERE keyword = ?", keyword)

	var r Rank
	var ranking, refreshedOn string
	err := row.Scan(&r.Keyword, &ranking, &refreshedOn)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rank %q: %w", keyword, err)
	}

	if err := json.Unmarshal([]byte(ranking), &r.Entries); err != nil {
		return nil, fmt.Errorf("corrupt ranking for %q: %w", keyword, err)
	}
	if refreshedOn != "" {
		t, err := time.Parse(dateFormat, refreshedOn)
		if err != nil {
			return nil, fmt.Errorf("corrupt refresh date for %q: %w", keyword, err)
		}
		r.RefreshedOn = t
	}
	return &r, nil
}

// ClearPromotedKeywords removes all P4P rows. The P4P set is refetched
// wholesale each crawl, there is no per-record staleness.
func (s *Store) ClearPromotedKeywords() error {
	if _, err := s.db.Exec("DELETE FROM p4p"); err != nil {
		return fmt.Errorf("failed to clear p4p keywords: %w", err)
	}
	return nil
}

// InsertPromotedKeywords appends a page of P4P records.
func (s *Store) InsertPromotedKeywords(records []PromotedKeyword) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO p4p (keyword, qs_star, is_active, tag)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range records {
		if _, err := stmt.Exec(p.Keyword, p.QualityScore, boolToInt(p.Active), p.Tag); err != nil {
			return fmt.Errorf("failed to insert p4p keyword %q: %w", p.Keyword, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit p4p keywords: %w", err)
	}
	return nil
}

// AllPromotedKeywords returns every stored P4P record.
func (s *Store) AllPromotedKeywords() ([]*PromotedKeyword, error) {
	rows, err := s.db.Query("SELECT keyword, qs_star, is_active, tag FROM p4p ORDER BY keyword ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query p4p keywords: %w", err)
	}
	defer rows.Close()

	var records []*PromotedKeyword
	for rows.Next() {
		var p PromotedKeyword
		var active int
		if err := rows.Scan(&p.Keyword, &p.QualityScore, &active, &p.Tag); err != nil {
			return nil, fmt.Errorf("failed to scan p4p keyword: %w", err)
		}
		p.Active = active != 0
		records = append(records, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating p4p keywords: %w", err)
	}
	return records, nil
}

// IsStale reports whether the record for the given kind and key needs a fresh
// fetch at the given instant. Absent records are always stale. For keywords the
// caller passes now already shifted into the platform's reference timezone.
func (s *Store) IsStale(kind EntityKind, key string, now time.Time) (bool, error) {
	switch kind {
	case KindProduct:
		var total, fresh int
		today := now.Format(dateFormat)
		err := s.db.QueryRow("SELECT COUNT(*) FROM products").Scan(&total)
		if err != nil {
			return true, fmt.Errorf("failed to count products: %w", err)
		}
		if total == 0 {
			return true, nil
		}
		err = s.db.QueryRow("SELECT COUNT(*) FROM products WHERE refreshed_on >= ?", today).Scan(&fresh)
		if err != nil {
			return true, fmt.Errorf("failed to count fresh products: %w", err)
		}
		return fresh < total, nil

	case KindKeyword:
		kw, err := s.QueryKeyword(key)
		if err != nil {
			return true, err
		}
		if kw == nil || kw.RefreshedAt.IsZero() {
			return true, nil
		}
		return kw.RefreshedAt.Before(now.AddDate(0, -1, 0)), nil

	case KindRank:
		r, err := s.QueryRank(key)
		if err != nil {
			return true, err
		}
		if r == nil || r.RefreshedOn.IsZero() {
			return true, nil
		}
		return r.RefreshedOn.Format(dateFormat) < now.Format(dateFormat), nil

	case KindCategory:
		kw, err := s.QueryKeyword(key)
		if err != nil {
			return true, err
		}
		return kw == nil || len(kw.Categories) == 0, nil

	case KindPromotedKeyword:
		// No per-record staleness: the set is cleared and refetched each run.
		return true, nil
	}
	return true, fmt.Errorf("unknown entity kind %q", kind)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func scanProduct(rows *sql.Rows) (*Product, error) {
	var p Product
	var keywords, modifyTime, refreshedOn string
	var isWindow, isTrade int
	err := rows.Scan(&p.ID, &p.StyleNo, &p.Title, &keywords, &p.Owner,
		&modifyTime, &isWindow, &isTrade, &refreshedOn)
	if err != nil {
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}
	if err := json.Unmarshal([]byte(keywords), &p.Keywords); err != nil {
		return nil, fmt.Errorf("corrupt keywords for product %d: %w", p.ID, err)
	}
	if modifyTime != "" {
		t, err := time.Parse(dateTimeFormat, modifyTime)
		if err != nil {
			return nil, fmt.Errorf("corrupt modify time for product %d: %w", p.ID, err)
		}
		p.ModifyTime = t
	}
	if refreshedOn != "" {
		t, err := time.Parse(dateFormat, refreshedOn)
		if err != nil {
			return nil, fmt.Errorf("corrupt refresh date for product %d: %w", p.ID, err)
		}
		p.RefreshedOn = t
	}
	p.IsWindowProduct = isWindow != 0
	p.IsTradeProduct = isTrade != 0
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func boolPtrToNull(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}
