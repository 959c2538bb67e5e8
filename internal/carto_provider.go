package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// storage column types of dataset tables
var cartoTypes = map[ColumnType]string{
	StringColumn:    "text",
	IntegerColumn:   "numeric",
	RealColumn:      "real",
	TimestampColumn: "timestamp",
	GeometryColumn:  "geometry",
	BooleanColumn:   "boolean",
}

// CartoProvider keeps maps in a CARTO account through the SQL API.
type CartoProvider struct {
	*providerBase
	cfg CartoConfig

	// Open presents the authorize URL to the user.
	Open func(url string) error
}

// cartoDatasetRef is stored in the datasets column of a visualization row.
type cartoDatasetRef struct {
	Table       string   `json:"table"`
	ID          string   `json:"id"`
	Label       string   `json:"label,omitempty"`
	Description string   `json:"description,omitempty"`
	Columns     []Column `json:"columns"`
}

func NewCartoProvider(cfg *Config, store CredentialStore, logger zerolog.Logger) (CloudProvider, error) {
	cc := cfg.Providers.Carto
	if cc == nil {
		return nil, errNotConfigured
	}

	c := *cc
	if c.ServerURL == "" {
		c.ServerURL = "https://{user}.carto.com/"
	}
	if c.AuthorizeURL == "" {
		c.AuthorizeURL = "https://carto.com/oauth2/authorize"
	}
	if c.RedirectURL == "" {
		c.RedirectURL = "http://localhost:8080/auth"
	}
	if c.Namespace == "" {
		c.Namespace = "keplergl"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}

	p := &CartoProvider{
		providerBase: newProviderBase("carto", "CARTO", NewCapabilities(PrivateStorage, ShareURLs, TableExport), cfg, store, logger),
		cfg:          c,
	}
	p.Open = func(u string) error {
		p.logger.Info().Str("url", u).Msg("Open this URL in a browser to log in")
		return nil
	}
	return p, nil
}

func (p *CartoProvider) IsEnabled() bool {
	return p.cfg.ClientID != "" || (p.cfg.APIKey != "" && p.cfg.Username != "")
}

func (p *CartoProvider) serverURL(user string) string {
	return strings.ReplaceAll(p.cfg.ServerURL, "{user}", url.PathEscape(user))
}

func (p *CartoProvider) sqlClient(user string, token string) *SQLClient {
	return NewSQLClient(p.serverURL(user), token, p.cfg.Timeout, p.logger)
}

// session returns an authenticated client for the logged in user.
func (p *CartoProvider) session() (string, *SQLClient, error) {
	user, err := p.requireLogin()
	if err != nil {
		return "", nil, err
	}
	return user, p.sqlClient(user, p.AccessToken()), nil
}

func (p *CartoProvider) visTable(private bool) string {
	if private {
		return p.cfg.Namespace + "_private_visualizations"
	}
	return p.cfg.Namespace + "_public_visualizations"
}

// datasetTable names the table of dataset i of one upload. Every upload
// writes fresh tables, so the stored map keeps its tables until the
// visualization row points at the new ones.
func (p *CartoProvider) datasetTable(upload string, i int, datasetID string) string {
	key := strings.ReplaceAll(upload, "-", "")
	if len(key) > 12 {
		key = key[:12]
	}
	name := strings.ToLower(fmt.Sprintf("%s_%s_%d_%s", p.cfg.Namespace, safeName(key), i, safeName(datasetID)))
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// Login uses the configured API key when there is one and the OAuth
// implicit flow otherwise.
func (p *CartoProvider) Login(ctx context.Context) error {
	if p.AccessToken() != "" {
		return nil
	}
	done, err := p.beginLogin()
	if err != nil {
		return err
	}
	defer done()

	if p.cfg.APIKey != "" && p.cfg.Username != "" {
		if err := p.saveCredentials(ctx, map[string]string{
			tokenField:    p.cfg.APIKey,
			usernameField: p.cfg.Username,
		}); err != nil {
			return p.fail(err)
		}
		p.logger.Info().Str("user", p.cfg.Username).Msg("Logged in with API key")
		return nil
	}

	if p.cfg.ClientID == "" {
		return p.fail(errors.New("No client ID has been specified"))
	}

	token, err := oauthLogin(ctx, p.cfg, p.Open, p.logger)
	if err != nil {
		return p.fail(&ProviderError{Provider: p.name, Kind: KindAuth, Message: err.Error(), Err: err})
	}

	user, err := p.fetchUserName(ctx, token)
	if err != nil {
		return p.fail(err)
	}

	values := map[string]string{
		tokenField:       token.AccessToken,
		usernameField:    user,
		userInfoURLField: token.UserInfoURL,
	}
	if exp := token.Expires(time.Now()); !exp.IsZero() {
		values[expiresField] = exp.UTC().Format(time.RFC3339)
	}
	if err := p.saveCredentials(ctx, values); err != nil {
		return p.fail(err)
	}
	p.logger.Info().Str("user", user).Msg("Logged in")
	return nil
}

func (p *CartoProvider) fetchUserName(ctx context.Context, token OAuthToken) (string, error) {
	if token.UserInfoURL == "" {
		return "", newProviderError(p.name, KindAuth, "No user info URL in login response")
	}
	u, err := url.Parse(token.UserInfoURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("api_key", token.AccessToken)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := (&http.Client{Timeout: p.cfg.Timeout}).Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetch user info")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", newProviderError(p.name, KindAuth, "User info request was rejected")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("user info returned %d", resp.StatusCode)
	}

	user := gjson.GetBytes(body, "username").String()
	if user == "" {
		return "", newProviderError(p.name, KindAuth, "No username in user info")
	}
	return user, nil
}

func (p *CartoProvider) UploadMap(ctx context.Context, payload *MapPayload, opts UploadOptions) (*UploadResult, error) {
	user, client, err := p.session()
	if err != nil {
		return nil, p.fail(err)
	}
	if err := payload.Validate(); err != nil {
		return nil, p.fail(newProviderError(p.name, KindConstraint, "%s", err))
	}

	plan := p.planUpload(user, payload, opts, newRowID)
	thumb, err := thumbnailDataURL(payload.Thumbnail)
	if err != nil {
		return nil, p.fail(err)
	}

	var previous []cartoDatasetRef
	if plan.Update {
		previous, err = p.storedDatasets(ctx, client, plan)
		if err != nil {
			return nil, p.fail(err)
		}
	}

	upload := newRowID()
	refs := make([]cartoDatasetRef, len(payload.Datasets))
	statuses, err := uploadDatasets(ctx, payload.Datasets, opts.OnStatus, func(ctx context.Context, i int, d *Dataset) error {
		table := p.datasetTable(upload, i, d.ID)
		refs[i] = cartoDatasetRef{
			Table:       table,
			ID:          d.ID,
			Label:       d.Label,
			Description: d.Description,
			Columns:     d.Columns,
		}
		return p.writeTable(ctx, client, table, d)
	})
	if err != nil {
		p.dropTables(ctx, client, refs)
		return nil, p.fail(err)
	}

	datasets, err := json.Marshal(refs)
	if err != nil {
		p.dropTables(ctx, client, refs)
		return nil, p.fail(err)
	}
	config := "{}"
	if len(payload.Config) > 0 {
		config = string(payload.Config)
	}

	if err := p.saveVisualization(ctx, client, plan, payload.Info.Description, thumb, config, string(datasets)); err != nil {
		markFailed(statuses, err, opts.OnStatus)
		p.dropTables(ctx, client, refs)
		return nil, p.fail(err)
	}
	p.dropTables(ctx, client, previous)

	p.logger.Info().Str("map", plan.ID).Int("datasets", len(refs)).Bool("update", plan.Update).Msg("Map saved")
	return p.finishUpload(plan, user, payload, statuses), nil
}

// writeTable recreates the dataset table, then copies the CSV into it.
func (p *CartoProvider) writeTable(ctx context.Context, client *SQLClient, table string, d *Dataset) error {
	defs := make([]string, len(d.Columns))
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = quoteIdent(c.Name)
		defs[i] = names[i] + " " + cartoTypes[c.Type]
	}

	_, err := client.Query(ctx, Stmt(
		fmt.Sprintf("DROP TABLE IF EXISTS $1; CREATE TABLE $1 (%s)", strings.Join(defs, ", ")),
		Ident(table),
	))
	if err != nil {
		return err
	}

	csv, err := EncodeCSV(d)
	if err != nil {
		return err
	}
	_, err = client.CopyFrom(ctx, Stmt(
		fmt.Sprintf("COPY $1 (%s) FROM STDIN WITH (FORMAT csv, HEADER true)", strings.Join(names, ", ")),
		Ident(table),
	), strings.NewReader(csv))
	return err
}

// storedDatasets returns the dataset tables the stored map points at.
func (p *CartoProvider) storedDatasets(ctx context.Context, client *SQLClient, plan uploadPlan) ([]cartoDatasetRef, error) {
	res, err := client.Query(ctx, Stmt("SELECT datasets FROM $1 WHERE id = $2", Ident(p.visTable(plan.Private)), plan.ID))
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}

	var refs []cartoDatasetRef
	if raw := res.Rows[0].Get("datasets").String(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &refs); err != nil {
			return nil, errors.Wrap(err, "decode dataset list")
		}
	}
	return refs, nil
}

// dropTables removes dataset tables that no visualization points at.
func (p *CartoProvider) dropTables(ctx context.Context, client *SQLClient, refs []cartoDatasetRef) {
	stmts := []string{}
	args := []any{}
	for _, ref := range refs {
		if ref.Table == "" {
			continue
		}
		args = append(args, Ident(ref.Table))
		stmts = append(stmts, fmt.Sprintf("DROP TABLE IF EXISTS $%d", len(args)))
	}
	if len(stmts) == 0 {
		return
	}
	if _, err := client.Query(context.WithoutCancel(ctx), Stmt(strings.Join(stmts, "; "), args...)); err != nil {
		p.logger.Warn().Err(err).Msg("Cannot drop old dataset tables")
	}
}

func (p *CartoProvider) saveVisualization(ctx context.Context, client *SQLClient, plan uploadPlan, description string, thumb string, config string, datasets string) error {
	table := Ident(p.visTable(plan.Private))

	if plan.Update {
		res, err := client.Query(ctx, Stmt(
			"UPDATE $1 SET name = $2, description = $3, thumbnail = $4, config = $5, datasets = $6, updated_at = now() WHERE id = $7",
			table, plan.Name, description, thumb, config, datasets, plan.ID,
		))
		if err != nil {
			return err
		}
		if res.TotalRows > 0 {
			return nil
		}
	}

	_, err := client.Query(ctx, Stmt(
		"INSERT INTO $1 (id, name, description, thumbnail, config, datasets, created_at, updated_at) VALUES ($2, $3, $4, $5, $6, $7, now(), now())",
		table, plan.ID, plan.Name, description, thumb, config, datasets,
	))
	return err
}

func (p *CartoProvider) DownloadMap(ctx context.Context, params LoadParams) (*MapPayload, error) {
	if err := p.checkAccess(params); err != nil {
		return nil, p.fail(err)
	}

	var client *SQLClient
	if params.Private {
		_, c, err := p.session()
		if err != nil {
			return nil, p.fail(err)
		}
		client = c
	} else {
		client = p.sqlClient(params.Owner, "").Anonymous()
	}

	res, err := client.Query(ctx, Stmt(
		"SELECT id, name, description, thumbnail, config, datasets, updated_at FROM $1 WHERE id = $2",
		Ident(p.visTable(params.Private)), params.MapID,
	))
	if err != nil {
		return nil, p.fail(err)
	}
	if len(res.Rows) == 0 {
		return nil, p.fail(p.notFound(params.MapID))
	}
	row := res.Rows[0]

	var refs []cartoDatasetRef
	if raw := row.Get("datasets").String(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &refs); err != nil {
			return nil, p.fail(errors.Wrap(err, "decode dataset list"))
		}
	}

	datasets := make([]*Dataset, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			d, err := p.readTable(gctx, client, ref)
			if err != nil {
				return errors.Wrapf(err, "dataset %s", ref.ID)
			}
			datasets[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, p.fail(err)
	}

	title := row.Get("name").String()
	description := row.Get("description").String()
	payload := &MapPayload{
		Info:      MapInfo{Title: title, Description: description},
		Config:    json.RawMessage(row.Get("config").String()),
		Datasets:  datasets,
		Thumbnail: thumbnailFromDataURL(cleanThumbnail(row.Get("thumbnail").String())),
	}

	p.setCurrent(mapRef{
		ID:          params.MapID,
		Owner:       params.Owner,
		Private:     params.Private,
		Title:       title,
		Description: description,
	})
	return payload, nil
}

func (p *CartoProvider) readTable(ctx context.Context, client *SQLClient, ref cartoDatasetRef) (*Dataset, error) {
	cols := make([]string, len(ref.Columns))
	for i, c := range ref.Columns {
		name := quoteIdent(c.Name)
		if c.Type == GeometryColumn {
			cols[i] = fmt.Sprintf("ST_AsEWKT(%s) AS %s", name, name)
		} else {
			cols[i] = name
		}
	}

	body, err := client.Export(ctx, Stmt(fmt.Sprintf("SELECT %s FROM $1", strings.Join(cols, ", ")), Ident(ref.Table)), "csv")
	if err != nil {
		return nil, err
	}

	d, err := DecodeCSV(strings.NewReader(string(body)), ref.Columns)
	if err != nil {
		return nil, err
	}
	d.ID = ref.ID
	d.Label = ref.Label
	d.Description = ref.Description
	return d, nil
}

func (p *CartoProvider) ListMaps(ctx context.Context) ([]Visualization, error) {
	user, client, err := p.session()
	if err != nil {
		return nil, p.fail(err)
	}

	res, err := client.Query(ctx, Stmt(
		`SELECT id, name, description, thumbnail, updated_at, FALSE AS private FROM $1
		UNION ALL
		SELECT id, name, description, thumbnail, updated_at, TRUE AS private FROM $2
		ORDER BY updated_at DESC`,
		Ident(p.visTable(false)), Ident(p.visTable(true)),
	))
	if err != nil {
		return nil, p.fail(err)
	}

	list := make([]Visualization, 0, len(res.Rows))
	for _, row := range res.Rows {
		var modified time.Time
		if v, err := parseValue(TimestampColumn, row.Get("updated_at").String()); err == nil && v != nil {
			modified = v.(time.Time)
		}
		id := row.Get("id").String()
		private := row.Get("private").Bool()
		list = append(list, Visualization{
			ID:           id,
			Title:        row.Get("name").String(),
			Description:  row.Get("description").String(),
			Private:      private,
			Thumbnail:    cleanThumbnail(row.Get("thumbnail").String()),
			LastModified: modified,
			LoadParams:   LoadParams{MapID: id, Owner: user, Private: private},
		})
	}
	return sortVisualizations(list), nil
}

func quoteIdent(name string) string {
	return pq.QuoteIdentifier(name)
}
