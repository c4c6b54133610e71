package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/migratectl/internal/artifact"
	"github.com/danmuck/migratectl/internal/auth"
	"github.com/danmuck/migratectl/internal/runtimes"
	"github.com/google/go-querystring/query"
	"github.com/rs/zerolog/log"
)

var ErrInvalidHTTPConfig = errors.New("remote: invalid http config")

const maxErrorBody = 512

// sparkAddonFilter selects the Spark runtime addon attached to created jobs.
const sparkAddonFilter = "spark3"

const addonAttribute = "runtime_addon_identifiers"

// Fields the API owns; they are not carried into the manifest.
var serverFields = map[string]bool{
	"id": true, "name": true, "project": true, "creator": true, "owner": true,
	"created_at": true, "updated_at": true, "status": true, "url": true,
	"runtime_identifier": true, "parent_id": true, "kernel": true,
	"engine_image_id": true, "latest_build": true, "latest_deployment": true,
	"crn": true, "html_url": true,
}

type HTTPConfig struct {
	BaseURL  string
	APIKey   string
	CAPath   string
	Timeout  time.Duration
	PageSize int
	Mapping  runtimes.Mapping

	// Transport overrides the default transport; tests inject httptest clients.
	Transport http.RoundTripper
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:  60 * time.Second,
		PageSize: 100,
		Mapping:  runtimes.DefaultMapping(),
	}
}

// HTTPClient implements Client against the v2 workspace API.
type HTTPClient struct {
	base     *url.URL
	apiKey   string
	pageSize int
	mapping  runtimes.Mapping
	http     *http.Client

	addonMu     sync.Mutex
	addon       string
	addonLoaded bool
}

type listOptions struct {
	SearchFilter  string `url:"search_filter,omitempty"`
	IncludePublic bool   `url:"include_public_projects,omitempty"`
	PageSize      int    `url:"page_size,omitempty"`
	PageToken     string `url:"page_token,omitempty"`
}

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: url %q", ErrInvalidHTTPConfig, cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: missing api key", ErrInvalidHTTPConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPConfig().Timeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultHTTPConfig().PageSize
	}
	if cfg.Mapping.Len() == 0 {
		cfg.Mapping = runtimes.DefaultMapping()
	}

	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.CAPath != "" {
			pool, err := loadCAPool(cfg.CAPath)
			if err != nil {
				return nil, err
			}
			t.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
		}
		transport = t
	}

	return &HTTPClient{
		base:     base,
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		mapping:  cfg.Mapping,
		http:     &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read ca_path: %v", ErrInvalidHTTPConfig, err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: ca_path %s has no certificates", ErrInvalidHTTPConfig, path)
	}
	return pool, nil
}

func kindCollection(kind artifact.Kind) (string, error) {
	switch kind {
	case artifact.KindModel, artifact.KindJob, artifact.KindApplication:
		return kind.Plural(), nil
	}
	return "", fmt.Errorf("%w: %s is not a remote artifact", artifact.ErrInvalidKind, kind)
}

func (c *HTTPClient) ListArtifacts(ctx context.Context, projectID string, kind artifact.Kind) ([]artifact.Metadata, error) {
	coll, err := kindCollection(kind)
	if err != nil {
		return nil, err
	}
	path := "/api/v2/projects/" + projectID + "/" + coll
	items, err := c.listAll(ctx, path, coll, listOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]artifact.Metadata, 0, len(items))
	for _, item := range items {
		out = append(out, decodeMetadata(kind, item))
	}
	return out, nil
}

func (c *HTTPClient) GetArtifact(ctx context.Context, projectID string, kind artifact.Kind, id string) (artifact.Metadata, error) {
	coll, err := kindCollection(kind)
	if err != nil {
		return artifact.Metadata{}, err
	}
	path := "/api/v2/projects/" + projectID + "/" + coll + "/" + id
	var obj map[string]any
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &obj); err != nil {
		return artifact.Metadata{}, err
	}
	return decodeMetadata(kind, obj), nil
}

// CreateArtifact creates the artifact and applies its creation side effect:
// models are built, applications are stopped, jobs are created paused with
// the workspace's Spark addon attached.
func (c *HTTPClient) CreateArtifact(ctx context.Context, projectID string, kind artifact.Kind, md artifact.Metadata) (string, error) {
	coll, err := kindCollection(kind)
	if err != nil {
		return "", err
	}
	base := "/api/v2/projects/" + projectID + "/" + coll
	body := encodeMetadata(md)

	switch kind {
	case artifact.KindJob:
		body["paused"] = true
		addons, err := c.jobAddons(ctx, md.Attributes[addonAttribute])
		if err != nil {
			return "", err
		}
		delete(body, addonAttribute)
		if len(addons) > 0 {
			body[addonAttribute] = addons
		}
	case artifact.KindModel:
		for _, k := range []string{"file_path", "function_name", "kernel", "runtime_identifier", "comment"} {
			delete(body, k)
		}
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, base, nil, body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("remote: create %s %q: response missing id", kind, md.Name)
	}

	switch kind {
	case artifact.KindModel:
		build := map[string]any{
			"file_path":     md.Attributes["file_path"],
			"function_name": md.Attributes["function_name"],
			"comment":       md.Attributes["comment"],
		}
		if md.Runtime.Identifier != "" {
			build["runtime_identifier"] = md.Runtime.Identifier
		} else if md.Engine != "" {
			build["kernel"] = md.Engine
		}
		path := base + "/" + created.ID + "/builds"
		if err := c.do(ctx, http.MethodPost, path, nil, build, nil); err != nil {
			return created.ID, fmt.Errorf("remote: build model %s: %w", created.ID, err)
		}
	case artifact.KindApplication:
		path := base + "/" + created.ID + ":stop"
		if err := c.do(ctx, http.MethodPost, path, nil, nil, nil); err != nil {
			log.Warn().Msgf("remote.HTTPClient.CreateArtifact stop application id=%q err=%v", created.ID, err)
		}
	}
	return created.ID, nil
}

// jobAddons merges the exported addon list of a job with the Spark addon
// available on this workspace.
func (c *HTTPClient) jobAddons(ctx context.Context, exported string) ([]string, error) {
	var addons []string
	if exported = strings.TrimSpace(exported); exported != "" {
		if err := json.Unmarshal([]byte(exported), &addons); err != nil {
			addons = []string{exported}
		}
	}
	spark, err := c.sparkAddon(ctx)
	if err != nil {
		return nil, err
	}
	if spark != "" && !slices.Contains(addons, spark) {
		addons = append(addons, spark)
	}
	return addons, nil
}

// sparkAddon looks up the available Spark addon once per client. A workspace
// without the addon endpoint has no addon.
func (c *HTTPClient) sparkAddon(ctx context.Context) (string, error) {
	c.addonMu.Lock()
	defer c.addonMu.Unlock()
	if c.addonLoaded {
		return c.addon, nil
	}
	filter, err := json.Marshal(map[string]string{"identifier": sparkAddonFilter, "status": "AVAILABLE"})
	if err != nil {
		return "", err
	}
	items, err := c.listAll(ctx, "/api/v2/runtimeaddons", "runtime_addons", listOptions{SearchFilter: string(filter)})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if len(items) > 0 {
		c.addon = str(items[0]["identifier"])
	}
	c.addonLoaded = true
	if c.addon != "" {
		log.Debug().Msgf("remote.HTTPClient.sparkAddon found identifier=%q", c.addon)
	}
	return c.addon, nil
}

func (c *HTTPClient) ResolveRuntimeForLegacyEngine(_ context.Context, engine string) (string, error) {
	return c.mapping.Resolve(engine, "")
}

func (c *HTTPClient) FindProject(ctx context.Context, owner string, name string) (Project, error) {
	filter, err := json.Marshal(map[string]string{"name": name, "owner": owner})
	if err != nil {
		return Project{}, err
	}
	items, err := c.listAll(ctx, "/api/v2/projects", "projects", listOptions{
		SearchFilter:  string(filter),
		IncludePublic: true,
	})
	if err != nil {
		return Project{}, err
	}
	for _, item := range items {
		p := decodeProject(item)
		if p.Name == name && (owner == "" || p.Owner == owner) {
			return p, nil
		}
	}
	return Project{}, fmt.Errorf("%w: project %s/%s", ErrNotFound, owner, name)
}

func (c *HTTPClient) CreateProject(ctx context.Context, p Project) (Project, error) {
	body := map[string]any{
		"name":        p.Name,
		"description": p.Description,
		"visibility":  p.Visibility,
		"template":    p.Template,
	}
	if p.Owner != "" {
		body["owner"] = p.Owner
	}
	if p.Team != "" {
		body["team_name"] = p.Team
	}
	if len(p.Environment) > 0 {
		env, err := json.Marshal(p.Environment)
		if err != nil {
			return Project{}, err
		}
		body["environment"] = string(env)
	}
	if p.LegacyEngine != "" {
		body["default_project_engine_type"] = p.LegacyEngine
	}
	var obj map[string]any
	if err := c.do(ctx, http.MethodPost, "/api/v2/projects", nil, body, &obj); err != nil {
		return Project{}, err
	}
	out := decodeProject(obj)
	if out.ID == "" {
		return Project{}, fmt.Errorf("remote: create project %q: response missing id", p.Name)
	}
	return out, nil
}

func (c *HTTPClient) ListRuntimes(ctx context.Context) ([]artifact.RuntimeRef, error) {
	items, err := c.listAll(ctx, "/api/v2/runtimes", "runtimes", listOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]artifact.RuntimeRef, 0, len(items))
	for _, item := range items {
		out = append(out, artifact.RuntimeRef{
			Identifier:   str(item["image_identifier"]),
			Kernel:       str(item["kernel"]),
			Edition:      str(item["edition"]),
			Editor:       str(item["editor"]),
			ShortVersion: str(item["short_version"]),
			FullVersion:  str(item["full_version"]),
		})
	}
	return out, nil
}

func (c *HTTPClient) UserExists(ctx context.Context, username string) (bool, error) {
	return c.exists(ctx, "/api/v1/users/"+username)
}

func (c *HTTPClient) TeamExists(ctx context.Context, team string) (bool, error) {
	return c.exists(ctx, "/api/v1/users/"+team+"/teams")
}

func (c *HTTPClient) exists(ctx context.Context, path string) (bool, error) {
	err := c.do(ctx, http.MethodGet, path, nil, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *HTTPClient) listAll(ctx context.Context, path string, field string, opts listOptions) ([]map[string]any, error) {
	opts.PageSize = c.pageSize
	out := make([]map[string]any, 0)
	for {
		values, err := query.Values(opts)
		if err != nil {
			return nil, fmt.Errorf("remote: encode query: %w", err)
		}
		var page map[string]json.RawMessage
		if err := c.do(ctx, http.MethodGet, path, values, nil, &page); err != nil {
			return nil, err
		}
		var items []map[string]any
		if raw, ok := page[field]; ok && len(raw) > 0 {
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("remote: decode %s: %w", field, err)
			}
		}
		out = append(out, items...)

		var next string
		if raw, ok := page["next_page_token"]; ok {
			if err := json.Unmarshal(raw, &next); err != nil {
				return nil, fmt.Errorf("remote: decode %s next_page_token: %w", path, err)
			}
		}
		if next == "" || next == opts.PageToken {
			return out, nil
		}
		opts.PageToken = next
	}
}

func (c *HTTPClient) do(ctx context.Context, method string, path string, q url.Values, body any, out any) error {
	ref := &url.URL{Path: path}
	if len(q) > 0 {
		ref.RawQuery = q.Encode()
	}
	target := c.base.ResolveReference(ref)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Authorization", auth.BearerHeader(c.apiKey))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()
	log.Debug().Msgf("remote.HTTPClient.do method=%s path=%q status=%d duration=%s",
		method, path, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("remote: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeProject(obj map[string]any) Project {
	p := Project{
		ID:           str(obj["id"]),
		Name:         str(obj["name"]),
		Visibility:   str(obj["visibility"]),
		Description:  str(obj["description"]),
		Template:     str(obj["template"]),
		LegacyEngine: str(obj["default_project_engine_type"]),
	}
	switch owner := obj["owner"].(type) {
	case map[string]any:
		p.Owner = str(owner["username"])
	case string:
		p.Owner = owner
	}
	if team, ok := obj["team"].(map[string]any); ok {
		p.Team = str(team["username"])
	}
	if env, ok := obj["environment"].(string); ok && env != "" {
		parsed := map[string]string{}
		if err := json.Unmarshal([]byte(env), &parsed); err == nil {
			p.Environment = parsed
		}
	}
	return p
}

func decodeMetadata(kind artifact.Kind, obj map[string]any) artifact.Metadata {
	md := artifact.Metadata{
		ID:       str(obj["id"]),
		Kind:     kind,
		Name:     str(obj["name"]),
		ParentID: str(obj["parent_id"]),
		Runtime:  artifact.RuntimeRef{Identifier: str(obj["runtime_identifier"])},
	}
	if md.Runtime.Identifier == "" {
		md.Engine = str(obj["kernel"])
	}
	attrs := map[string]string{}
	flatten("", obj, attrs)
	for k := range attrs {
		if serverFields[strings.SplitN(k, ".", 2)[0]] {
			delete(attrs, k)
		}
	}
	if len(attrs) > 0 {
		md.Attributes = attrs
	}
	return md
}

func flatten(prefix string, v any, out map[string]string) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			name := k
			if prefix != "" {
				name = prefix + "." + k
			}
			flatten(name, t[k], out)
		}
	case nil:
	default:
		if prefix != "" {
			out[prefix] = str(t)
		}
	}
}

// encodeMetadata rebuilds a request body from flattened attributes. Values
// that parse as booleans or numbers are sent typed.
func encodeMetadata(md artifact.Metadata) map[string]any {
	body := map[string]any{}
	for k, v := range md.Attributes {
		setPath(body, strings.Split(k, "."), typed(v))
	}
	body["name"] = md.Name
	if md.Runtime.Identifier != "" {
		body["runtime_identifier"] = md.Runtime.Identifier
	} else if md.Engine != "" {
		body["kernel"] = md.Engine
	}
	if md.ParentID != "" {
		body["parent_job_id"] = md.ParentID
	}
	return body
}

func setPath(m map[string]any, parts []string, v any) {
	if len(parts) == 1 {
		m[parts[0]] = v
		return
	}
	child, ok := m[parts[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		m[parts[0]] = child
	}
	setPath(child, parts[1:], v)
}

func typed(v string) any {
	if b, err := strconv.ParseBool(v); err == nil && (v == "true" || v == "false") {
		return b
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && strings.Contains(v, ".") {
		return f
	}
	return v
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

var _ Client = (*HTTPClient)(nil)
