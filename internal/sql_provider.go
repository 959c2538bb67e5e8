package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/xo/dburl"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLProvider stores maps in two tables of any database dburl understands.
type SQLProvider struct {
	*providerBase
	DB *sqlx.DB

	cfg    SQLConfig
	prefix string
	connMu sync.Mutex
}

type sqlVisualization struct {
	ID          string         `db:"id"`
	Owner       string         `db:"owner"`
	Name        string         `db:"name"`
	Description sql.NullString `db:"description"`
	Thumbnail   sql.NullString `db:"thumbnail"`
	Config      sql.NullString `db:"config"`
	Private     bool           `db:"private"`
	CreatedAt   int64          `db:"created_at"`
	UpdatedAt   int64          `db:"updated_at"`
}

type sqlDataset struct {
	VisualizationID string         `db:"visualization_id"`
	Seq             int            `db:"seq"`
	ID              string         `db:"id"`
	Label           sql.NullString `db:"label"`
	Description     sql.NullString `db:"description"`
	Fields          string         `db:"fields"`
	Data            string         `db:"data"`
}

func NewSQLProvider(cfg *Config, store CredentialStore, logger zerolog.Logger) (CloudProvider, error) {
	sc := cfg.Providers.SQL
	if sc == nil {
		return nil, errNotConfigured
	}

	prefix := sc.TablePrefix
	if prefix == "" {
		prefix = "mapcloud_"
	}
	if safeName(prefix) != prefix {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}

	return &SQLProvider{
		providerBase: newProviderBase("sql", "SQL database", NewCapabilities(PrivateStorage, ShareURLs), cfg, store, logger),
		cfg:          *sc,
		prefix:       prefix,
	}, nil
}

func (p *SQLProvider) IsEnabled() bool {
	return p.cfg.URL != ""
}

func (p *SQLProvider) visTable() string {
	return p.prefix + "visualizations"
}

func (p *SQLProvider) datasetTable() string {
	return p.prefix + "datasets"
}

func (p *SQLProvider) conn() (*sqlx.DB, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.DB != nil {
		return p.DB, nil
	}

	u, err := dburl.Parse(p.cfg.URL)
	if err != nil {
		return nil, newProviderError(p.name, KindConfig, "Invalid database URL: %s", err)
	}

	db, err := sqlx.Connect(u.Driver, u.DSN)
	if err != nil {
		return nil, err
	}

	p.DB = db
	return db, nil
}

func (p *SQLProvider) owner() string {
	if p.cfg.Owner != "" {
		return p.cfg.Owner
	}
	if u, err := dburl.Parse(p.cfg.URL); err == nil && u.User != nil {
		return u.User.Username()
	}
	return ""
}

func (p *SQLProvider) Login(ctx context.Context) error {
	if p.AccessToken() != "" {
		return nil
	}
	done, err := p.beginLogin()
	if err != nil {
		return err
	}
	defer done()

	if !p.IsEnabled() {
		return p.fail(newProviderError(p.name, KindConfig, "No database URL set for SQL provider"))
	}
	owner := p.owner()
	if owner == "" {
		return p.fail(newProviderError(p.name, KindConfig, "No owner set for SQL provider"))
	}

	db, err := p.conn()
	if err != nil {
		return p.fail(err)
	}
	if err := p.ensureSchema(ctx, db); err != nil {
		return p.fail(err)
	}

	if err := p.saveCredentials(ctx, map[string]string{
		tokenField:    newMapID(),
		usernameField: owner,
	}); err != nil {
		return p.fail(err)
	}
	p.logger.Info().Str("user", owner).Str("url", redactURL(p.cfg.URL)).Str("driver", db.DriverName()).Msg("Logged in")
	return nil
}

func (p *SQLProvider) ensureSchema(ctx context.Context, db *sqlx.DB) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			owner VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			description TEXT,
			thumbnail TEXT,
			config TEXT,
			private BOOLEAN NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (owner, name)
		)`, p.visTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			visualization_id VARCHAR(64) NOT NULL,
			seq INTEGER NOT NULL,
			id VARCHAR(255) NOT NULL,
			label TEXT,
			description TEXT,
			fields TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (visualization_id, seq)
		)`, p.datasetTable()),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "create storage tables")
		}
	}
	return nil
}

func (p *SQLProvider) UploadMap(ctx context.Context, payload *MapPayload, opts UploadOptions) (*UploadResult, error) {
	owner, err := p.requireLogin()
	if err != nil {
		return nil, p.fail(err)
	}
	if err := payload.Validate(); err != nil {
		return nil, p.fail(newProviderError(p.name, KindConstraint, "%s", err))
	}
	db, err := p.conn()
	if err != nil {
		return nil, p.fail(err)
	}

	plan := p.planUpload(owner, payload, opts, newMapID)
	rec, err := newRecord(plan, owner, payload)
	if err != nil {
		return nil, p.fail(err)
	}

	files, statuses, err := encodeDatasets(ctx, payload.Datasets, opts.OnStatus)
	if err != nil {
		return nil, p.fail(err)
	}

	if err := p.writeRecord(ctx, db, plan, rec, files); err != nil {
		markFailed(statuses, err, opts.OnStatus)
		return nil, p.fail(err)
	}

	p.logger.Info().Str("map", plan.ID).Int("datasets", len(files)).Bool("update", plan.Update).Msg("Map saved")
	return p.finishUpload(plan, owner, payload, markUploaded(statuses, opts.OnStatus)), nil
}

func (p *SQLProvider) writeRecord(ctx context.Context, db *sqlx.DB, plan uploadPlan, rec *visualizationRecord, files []string) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := rec.UpdatedAt.UnixMilli()
	updated := false
	if plan.Update {
		res, err := tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(
			`UPDATE %s SET name = ?, description = ?, thumbnail = ?, config = ?, updated_at = ? WHERE id = ? AND owner = ?`, p.visTable())),
			rec.Title, rec.Description, rec.Thumbnail, rec.Config, now, rec.ID, rec.Owner)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		updated = n > 0
	}
	if !updated {
		_, err := tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(
			`INSERT INTO %s (id, owner, name, description, thumbnail, config, private, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, p.visTable())),
			rec.ID, rec.Owner, rec.Title, rec.Description, rec.Thumbnail, rec.Config, rec.Private, now, now)
		if err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE visualization_id = ?`, p.datasetTable())), rec.ID); err != nil {
		return err
	}
	for i, d := range rec.Datasets {
		fields, err := json.Marshal(d.Columns)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(
			`INSERT INTO %s (visualization_id, seq, id, label, description, fields, data) VALUES (?, ?, ?, ?, ?, ?, ?)`, p.datasetTable())),
			rec.ID, i, d.ID, d.Label, d.Description, string(fields), files[i])
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *SQLProvider) DownloadMap(ctx context.Context, params LoadParams) (*MapPayload, error) {
	if err := p.checkAccess(params); err != nil {
		return nil, p.fail(err)
	}
	db, err := p.conn()
	if err != nil {
		return nil, p.fail(err)
	}

	var v sqlVisualization
	err = db.GetContext(ctx, &v, db.Rebind(fmt.Sprintf(
		`SELECT id, owner, name, description, thumbnail, config, private, created_at, updated_at FROM %s WHERE id = ? AND owner = ? AND private = ?`, p.visTable())),
		params.MapID, params.Owner, params.Private)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.fail(p.notFound(params.MapID))
	}
	if err != nil {
		return nil, p.fail(err)
	}

	var rows []sqlDataset
	err = db.SelectContext(ctx, &rows, db.Rebind(fmt.Sprintf(
		`SELECT visualization_id, seq, id, label, description, fields, data FROM %s WHERE visualization_id = ? ORDER BY seq`, p.datasetTable())),
		v.ID)
	if err != nil {
		return nil, p.fail(err)
	}

	rec := v.record()
	for _, r := range rows {
		var columns []Column
		if err := json.Unmarshal([]byte(r.Fields), &columns); err != nil {
			return nil, p.fail(errors.Wrapf(err, "decode columns of dataset %s", r.ID))
		}
		rec.Datasets = append(rec.Datasets, datasetRecord{
			ID:          r.ID,
			Label:       r.Label.String,
			Description: r.Description.String,
			Columns:     columns,
			File:        r.Data,
		})
	}

	payload, err := rec.payload(inlineFile)
	if err != nil {
		return nil, p.fail(err)
	}

	p.setCurrent(rec.ref())
	return payload, nil
}

func (p *SQLProvider) ListMaps(ctx context.Context) ([]Visualization, error) {
	owner, err := p.requireLogin()
	if err != nil {
		return nil, p.fail(err)
	}
	db, err := p.conn()
	if err != nil {
		return nil, p.fail(err)
	}

	var rows []sqlVisualization
	err = db.SelectContext(ctx, &rows, db.Rebind(fmt.Sprintf(
		`SELECT id, owner, name, description, thumbnail, config, private, created_at, updated_at FROM %s WHERE owner = ? ORDER BY updated_at DESC`, p.visTable())),
		owner)
	if err != nil {
		return nil, p.fail(err)
	}

	list := make([]Visualization, 0, len(rows))
	for _, r := range rows {
		list = append(list, r.record().summary())
	}
	return sortVisualizations(list), nil
}

func (v sqlVisualization) record() *visualizationRecord {
	return &visualizationRecord{
		ID:          v.ID,
		Owner:       v.Owner,
		Title:       v.Name,
		Description: v.Description.String,
		Thumbnail:   v.Thumbnail.String,
		Config:      v.Config.String,
		Private:     v.Private,
		CreatedAt:   time.UnixMilli(v.CreatedAt).UTC(),
		UpdatedAt:   time.UnixMilli(v.UpdatedAt).UTC(),
	}
}

// Close closes the connection pool, if one was opened.
func (p *SQLProvider) Close(ctx context.Context) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.DB == nil {
		return nil
	}
	err := p.DB.Close()
	p.DB = nil
	return err
}
