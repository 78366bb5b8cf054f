package exporter

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// SQLiteExporter appends metric data points to a metric_points table so
// the status CLI can query usage without a metrics backend.
type SQLiteExporter struct {
	mu sync.Mutex
	db *sql.DB
}

const metricPointsSchema = `
CREATE TABLE IF NOT EXISTS metric_points (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	exported_at DATETIME NOT NULL,
	name TEXT NOT NULL,
	value REAL NOT NULL,
	route TEXT,
	provider TEXT,
	model TEXT,
	request_model TEXT,
	token_type TEXT,
	status TEXT,
	streaming INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_metric_points_name_time ON metric_points(name, exported_at);
`

// NewSQLiteExporter opens (and migrates) the metrics database.
func NewSQLiteExporter(dbFile string) (*SQLiteExporter, error) {
	db, err := sql.Open("sqlite3", dbFile+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics database: %w", err)
	}
	if _, err := db.Exec(metricPointsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate metrics schema: %w", err)
	}
	return &SQLiteExporter{db: db}, nil
}

func (e *SQLiteExporter) Temporality(kind metric.InstrumentKind) metricdata.Temporality {
	return metricdata.DeltaTemporality
}

func (e *SQLiteExporter) Aggregation(kind metric.InstrumentKind) metric.Aggregation {
	return metric.DefaultAggregationSelector(kind)
}

// Export writes sum and histogram points as rows.
func (e *SQLiteExporter) Export(ctx context.Context, res *metricdata.ResourceMetrics) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin metrics transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metric_points
		(exported_at, name, value, route, provider, model, request_model, token_type, status, streaming)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare metrics insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, scope := range res.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					if err := insertPoint(ctx, stmt, now, m.Name, float64(dp.Value), dp.Attributes); err != nil {
						return err
					}
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					if err := insertPoint(ctx, stmt, now, m.Name, dp.Value, dp.Attributes); err != nil {
						return err
					}
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					if err := insertPoint(ctx, stmt, now, m.Name+".sum", dp.Sum, dp.Attributes); err != nil {
						return err
					}
					if err := insertPoint(ctx, stmt, now, m.Name+".count", float64(dp.Count), dp.Attributes); err != nil {
						return err
					}
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metric points: %w", err)
	}
	return nil
}

func insertPoint(ctx context.Context, stmt *sql.Stmt, at time.Time, name string, value float64, attrs attribute.Set) error {
	streaming := 0
	if v, ok := attrs.Value("llm.streaming"); ok && v.AsBool() {
		streaming = 1
	}
	_, err := stmt.ExecContext(ctx, at, name, value,
		attrString(attrs, "llm.route"),
		attrString(attrs, "llm.provider"),
		attrString(attrs, "llm.model"),
		attrString(attrs, "llm.request.model"),
		attrString(attrs, "llm.token_type"),
		attrString(attrs, "llm.response.status"),
		streaming,
	)
	if err != nil {
		return fmt.Errorf("failed to insert metric point %s: %w", name, err)
	}
	return nil
}

func attrString(attrs attribute.Set, key attribute.Key) string {
	v, ok := attrs.Value(key)
	if !ok {
		return ""
	}
	return v.AsString()
}

func (e *SQLiteExporter) ForceFlush(ctx context.Context) error {
	return nil
}

func (e *SQLiteExporter) Shutdown(ctx context.Context) error {
	return nil
}

// Close releases the database handle. Separate from Shutdown because the
// periodic reader may still flush between Shutdown and process exit.
func (e *SQLiteExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	if err != nil {
		logrus.Errorf("obs: failed to close metrics database: %v", err)
	}
	return err
}
