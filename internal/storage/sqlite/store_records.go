package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/metrics"
	"github.com/jackzampolin/storyshelf/internal/storage"
)

// PutImageRecord appends one image audit record.
func (s *Store) PutImageRecord(ctx context.Context, rec book.ImageRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO image_records (book_id, page_key, ref, source, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.BookID, string(rec.PageKey), rec.Ref.String(), rec.Source, toMillis(createdAt),
	); err != nil {
		return fmt.Errorf("put image record: %w", err)
	}
	return nil
}

// ListImageRecords returns a book's image records in insertion order.
func (s *Store) ListImageRecords(ctx context.Context, bookID string) ([]book.ImageRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT book_id, page_key, ref, source, created_at FROM image_records WHERE book_id = ? ORDER BY id`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list image records: %w", err)
	}
	defer rows.Close()

	var out []book.ImageRecord
	for rows.Next() {
		var (
			rec       book.ImageRecord
			key, ref  string
			createdAt int64
		)
		if err := rows.Scan(&rec.BookID, &key, &ref, &rec.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan image record: %w", err)
		}
		rec.PageKey = book.PageKey(key)
		if rec.Ref, err = book.ParseObjectRef(ref); err != nil {
			return nil, err
		}
		rec.CreatedAt = fromMillis(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateOrder inserts a payment-confirmed order. One order per book.
func (s *Store) CreateOrder(ctx context.Context, o book.Order) error {
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("encode shipping address: %w", err)
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO orders (id, book_id, shipping_address, amount, currency, status, tracking_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.BookID, string(addr), o.Amount, o.Currency, string(o.Status), o.TrackingURL, toMillis(createdAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", o.ID, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetOrderByBook returns the order for a book.
func (s *Store) GetOrderByBook(ctx context.Context, bookID string) (book.Order, error) {
	var (
		o         book.Order
		addr      string
		status    string
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, book_id, shipping_address, amount, currency, status, tracking_url, created_at
		 FROM orders WHERE book_id = ?`, bookID,
	).Scan(&o.ID, &o.BookID, &addr, &o.Amount, &o.Currency, &status, &o.TrackingURL, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return book.Order{}, fmt.Errorf("order for book %s: %w", bookID, storage.ErrNotFound)
	}
	if err != nil {
		return book.Order{}, fmt.Errorf("get order: %w", err)
	}
	if err := json.Unmarshal([]byte(addr), &o.ShippingAddress); err != nil {
		return book.Order{}, fmt.Errorf("decode shipping address: %w", err)
	}
	o.Status = book.OrderStatus(status)
	o.CreatedAt = fromMillis(createdAt)
	return o, nil
}

// UpdateOrder sets an order's status and, when non-empty, its tracking URL.
func (s *Store) UpdateOrder(ctx context.Context, id string, status book.OrderStatus, trackingURL string) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE orders SET status = ?, tracking_url = CASE WHEN ? = '' THEN tracking_url ELSE ? END WHERE id = ?`,
		string(status), trackingURL, trackingURL, id)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// RecordMetric appends one generation-call metric.
func (s *Store) RecordMetric(ctx context.Context, m metrics.Metric) (string, error) {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO generation_metrics (
		   book_id, stage, item_key, attempt, racer, provider, model, cost_usd, total_tokens,
		   queue_seconds, execution_seconds, total_seconds, success, winner, error_type, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.BookID, m.Stage, m.ItemKey, m.Attempt, m.Racer, m.Provider, m.Model, m.CostUSD, m.TotalTokens,
		m.QueueSeconds, m.ExecutionSeconds, m.TotalSeconds, m.Success, m.Winner, m.ErrorType, toMillis(createdAt))
	if err != nil {
		return "", fmt.Errorf("record metric: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("record metric: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// ListMetrics returns metrics matching the filter, newest first.
func (s *Store) ListMetrics(ctx context.Context, f metrics.Filter, limit int) ([]metrics.Metric, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if f.BookID != "" {
		add("book_id = ?", f.BookID)
	}
	if f.Stage != "" {
		add("stage = ?", f.Stage)
	}
	if f.ItemKey != "" {
		add("item_key = ?", f.ItemKey)
	}
	if f.Provider != "" {
		add("provider = ?", f.Provider)
	}
	if !f.After.IsZero() {
		add("created_at > ?", toMillis(f.After))
	}
	if !f.Before.IsZero() {
		add("created_at < ?", toMillis(f.Before))
	}
	if f.Success != nil {
		add("success = ?", *f.Success)
	}

	query := `SELECT id, book_id, stage, item_key, attempt, racer, provider, model, cost_usd, total_tokens,
	   queue_seconds, execution_seconds, total_seconds, success, winner, error_type, created_at
	 FROM generation_metrics`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []metrics.Metric
	for rows.Next() {
		var (
			m         metrics.Metric
			id        int64
			createdAt int64
		)
		if err := rows.Scan(&id, &m.BookID, &m.Stage, &m.ItemKey, &m.Attempt, &m.Racer, &m.Provider, &m.Model,
			&m.CostUSD, &m.TotalTokens, &m.QueueSeconds, &m.ExecutionSeconds, &m.TotalSeconds,
			&m.Success, &m.Winner, &m.ErrorType, &createdAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.ID = strconv.FormatInt(id, 10)
		m.CreatedAt = fromMillis(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
