package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// tableServer is an in-memory table server speaking the remote protocol.
type tableServer struct {
	mu        sync.Mutex
	rows      map[string]map[string]any
	versions  map[string]int64
	published []map[string]any
	deleted   []any
}

func newTableServer(t *testing.T) (*tableServer, *httptest.Server) {
	t.Helper()
	s := &tableServer{rows: map[string]map[string]any{}, versions: map[string]int64{}}
	for i, name := range []string{"Ann", "Bob", "Cid"} {
		team := "core"
		if i == 2 {
			team = "edge"
		}
		s.rows[fmt.Sprint(i+1)] = map[string]any{"id": i + 1, "name": name, "team": team}
		s.versions[fmt.Sprint(i+1)] = 1
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /tables/users/read", s.read)
	mux.HandleFunc("POST /tables/users/publish", s.publish)
	mux.HandleFunc("POST /tables/users/delete", s.delete)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *tableServer) read(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Queries []types.Query `json:"queries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Response, 0, len(req.Queries))
	for _, q := range req.Queries {
		resp := types.Response{Request: q.ID}
		switch q.Kind {
		case types.KindRecord:
			k := fmt.Sprint(q.Record.Fields["id"])
			if row, ok := s.rows[k]; ok {
				resp.Fields, resp.Version = row, s.versions[k]
			} else {
				resp.NotFound = true
			}
		case types.KindList:
			resp.Records = []types.ListEntry{}
			for _, k := range s.match(q.List.Filter) {
				resp.Records = append(resp.Records, types.ListEntry{Data: s.rows[k], Version: s.versions[k]})
			}
		case types.KindCount:
			n := int64(len(s.match(q.Count.Filter)))
			resp.Count = &n
		}
		out = append(out, resp)
	}
	json.NewEncoder(w).Encode(map[string]any{"responses": out})
}

func (s *tableServer) match(filter types.Filter) []string {
	var keys []string
	for k, row := range s.rows {
		ok := true
		for _, c := range filter {
			ok = ok && fmt.Sprint(row[c.Field]) == fmt.Sprint(c.Value)
		}
		if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *tableServer) publish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fields map[string]any `json:"fields"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, req.Fields)
	k := fmt.Sprint(req.Fields["id"])
	for f, v := range req.Fields {
		s.rows[k][f] = v
	}
	s.versions[k]++
}

func (s *tableServer) delete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PK any `json:"pk"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, req.PK)
	delete(s.rows, fmt.Sprint(req.PK))
}

// writeConfig creates a config dir pointing at url with a sqlite cache in a
// temporary data dir.
func writeConfig(t *testing.T, url string) string {
	t.Helper()
	dir := t.TempDir()
	yaml := fmt.Sprintf(`backend: sqlite
data_dir: %s
remote:
  url: %s
tables:
  - name: users
    fields: [id, name, team]
    indices:
      - {name: primary, fields: [id], primary: true}
      - {name: team, fields: [team]}
    cache:
      enabled: true
`, filepath.Join(dir, "data"), url)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	return dir
}

func run(t *testing.T, configDir string, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config-dir", configDir}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestVersion(t *testing.T) {
	out, _, err := run(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tablesync v")
	assert.Contains(t, out, modulePath)
}

func TestInitWritesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "cache")

	out, _, err := run(t, dir, "--data-dir", data, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "tablesync initialized")
	assert.Contains(t, out, "tables: 1")
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
	assert.DirExists(t, data)

	// A second run leaves the existing config alone.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("backend: memory\n"), 0o644))
	out, _, err = run(t, dir, "--data-dir", data, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "tables: 0")
}

func TestGet(t *testing.T) {
	_, srv := newTableServer(t)
	dir := writeConfig(t, srv.URL)

	out, _, err := run(t, dir, "get", "users", "id=2")
	require.NoError(t, err)
	assert.Equal(t, "id: 2\nname: Bob\nteam: core\nversion: 1\n", out)

	out, _, err = run(t, dir, "--json", "get", "users", "id=2")
	require.NoError(t, err)
	var view recordView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "Bob", view.Fields["name"])
	assert.Equal(t, int64(1), view.Version)
}

func TestGetErrors(t *testing.T) {
	_, srv := newTableServer(t)
	dir := writeConfig(t, srv.URL)

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"unknown table", []string{"get", "teams", "id=1"}, exitUserError},
		{"missing record", []string{"get", "users", "id=9"}, exitUserError},
		{"malformed identifier", []string{"get", "users", "id"}, exitUserError},
		{"non identifying field", []string{"get", "users", "team=core"}, exitUserError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := run(t, dir, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.code, exitCode(err), err)
		})
	}

	down := writeConfig(t, "http://127.0.0.1:1")
	_, _, err := run(t, down, "get", "users", "id=1")
	require.Error(t, err)
	assert.Equal(t, exitSysError, exitCode(err))
}

func TestListAndCount(t *testing.T) {
	_, srv := newTableServer(t)
	dir := writeConfig(t, srv.URL)

	out, _, err := run(t, dir, "list", "users", "team=core")
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n", out)

	out, _, err = run(t, dir, "--json", "list", "users", "team=core", "--expand")
	require.NoError(t, err)
	var views []recordView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "Ann", views[0].Fields["name"])
	assert.Equal(t, "Bob", views[1].Fields["name"])

	out, _, err = run(t, dir, "count", "users", "team=edge")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	_, _, err = run(t, dir, "list", "users", "name=Ann")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNoQualifyingIndex)
}

func TestListBecomesEmpty(t *testing.T) {
	s, srv := newTableServer(t)
	dir := writeConfig(t, srv.URL)

	out, _, err := run(t, dir, "list", "users", "team=edge")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	s.mu.Lock()
	delete(s.rows, "3")
	s.mu.Unlock()

	out, _, err = run(t, dir, "list", "users", "team=edge")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, _, err = run(t, dir, "count", "users", "team=edge")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)
}

func TestSetPublishesChangedFields(t *testing.T) {
	s, srv := newTableServer(t)
	dir := writeConfig(t, srv.URL)

	out, _, err := run(t, dir, "set", "users", "--key", "id=1", "name=Zed", "team=core")
	require.NoError(t, err)
	assert.Contains(t, out, "name: Zed")
	assert.Contains(t, out, "version: 2")
	require.Len(t, s.published, 1)
	assert.Equal(t, map[string]any{"id": float64(1), "name": "Zed"}, s.published[0])

	out, _, err = run(t, dir, "set", "users", "--key", "id=1", "name=Zed")
	require.NoError(t, err)
	assert.Equal(t, "No changes\n", out)
	assert.Len(t, s.published, 1)

	_, _, err = run(t, dir, "set", "users", "name=Zed")
	assert.ErrorIs(t, err, errUsage)
}

func TestDelete(t *testing.T) {
	s, srv := newTableServer(t)
	dir := writeConfig(t, srv.URL)

	out, _, err := run(t, dir, "delete", "users", "id=3")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted users")
	assert.Equal(t, []any{float64(3)}, s.deleted)

	_, _, err = run(t, dir, "delete", "users", "id=3")
	assert.ErrorIs(t, err, errNotFound)
}

func TestCacheShowAndClear(t *testing.T) {
	_, srv := newTableServer(t)
	dir := writeConfig(t, srv.URL)

	_, _, err := run(t, dir, "cache", "show", "users", "id=1")
	assert.ErrorIs(t, err, errNotFound)

	_, _, err = run(t, dir, "get", "users", "id=1")
	require.NoError(t, err)

	out, _, err := run(t, dir, "cache", "show", "users", "id=1")
	require.NoError(t, err)
	assert.Contains(t, out, "name: Ann")
	assert.Contains(t, out, "saved: ")

	out, _, err = run(t, dir, "cache", "clear", "users")
	require.NoError(t, err)
	assert.Equal(t, "Cleared cache of users\n", out)

	_, _, err = run(t, dir, "cache", "show", "users", "id=1")
	assert.ErrorIs(t, err, errNotFound)
}

func TestMetricsDump(t *testing.T) {
	_, srv := newTableServer(t)
	dir := writeConfig(t, srv.URL)

	_, stderr, err := run(t, dir, "--metrics", "get", "users", "id=1")
	require.NoError(t, err)
	assert.Contains(t, stderr, "tablesync_scheduler_queries_total")
}

func TestParseCondition(t *testing.T) {
	tests := []struct {
		arg  string
		want types.Condition
		ok   bool
	}{
		{"team=core", types.Condition{Field: "team", Operator: "=", Value: "core"}, true},
		{"age>=30", types.Condition{Field: "age", Operator: ">=", Value: float64(30)}, true},
		{"age<3", types.Condition{Field: "age", Operator: "<", Value: float64(3)}, true},
		{"name!=a=b", types.Condition{Field: "name", Operator: "!=", Value: "a=b"}, true},
		{"=x", types.Condition{}, false},
		{"team", types.Condition{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, ok := parseCondition(tt.arg)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseOrder(t *testing.T) {
	got, err := parseOrder([]string{"name", "age:desc"})
	require.NoError(t, err)
	assert.Equal(t, types.Order{{Field: "name"}, {Field: "age", Desc: true}}, got)

	_, err = parseOrder([]string{"age:sideways"})
	assert.ErrorIs(t, err, errUsage)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitSuccess, exitCode(nil))
	assert.Equal(t, exitUserError, exitCode(types.ConfigError(types.ErrUnknownField, "op", "")))
	assert.Equal(t, exitSysError, exitCode(types.TransportError(errors.New("reset"), "op", "")))
	assert.Equal(t, exitSysError, exitCode(errors.New("disk full")))
}
