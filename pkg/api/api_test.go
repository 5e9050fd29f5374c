package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/rabbit"
)

// routeCapture stands in for the orchestrator: it records ingress
// publishes and answers RPC queries with canned records.
type routeCapture struct {
	bus *rabbit.InProc

	mu       sync.Mutex
	messages []*message.Message
	keys     []string

	records map[string]any
	failure string
}

func newRouteCapture(t *testing.T) *routeCapture {
	t.Helper()
	c := &routeCapture{bus: rabbit.NewInProc()}
	err := c.bus.Consume(context.Background(), rabbit.QueueSpec{
		Name:     "nlds_q",
		Bindings: []string{message.BuildKey(message.RootKey, message.KeyRoute, "*")},
	}, c.handle)
	require.NoError(t, err)
	return c
}

func (c *routeCapture) handle(ctx context.Context, d rabbit.Delivery) error {
	m, err := message.Unmarshal(d.Body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.messages = append(c.messages, m)
	c.keys = append(c.keys, d.RoutingKey)
	records, failure := c.records, c.failure
	c.mu.Unlock()

	if d.ReplyTo == "" {
		return nil
	}
	reply := m.Copy()
	if failure != "" {
		reply.Details.Failure = failure
	} else if records != nil {
		raw, err := json.Marshal(records)
		if err != nil {
			return err
		}
		reply.Data.Records = raw
	}
	return c.bus.Reply(ctx, d, reply)
}

func (c *routeCapture) captured() ([]*message.Message, []string) {
	c.bus.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages, c.keys
}

func newTestServer(t *testing.T, c *routeCapture) *httptest.Server {
	t.Helper()
	cfg := Config{RequestTimeout: 2 * time.Second}
	srv := httptest.NewServer(NewRouter(NewHandler(c.bus, cfg), cfg.RequestTimeout))
	t.Cleanup(srv.Close)
	return srv
}

func decodeResponse(t *testing.T, resp *http.Response) Response {
	t.Helper()
	defer resp.Body.Close()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func doJSON(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestPutFilesAccepted(t *testing.T) {
	c := newRouteCapture(t)
	srv := newTestServer(t, c)

	resp := doJSON(t, http.MethodPut, srv.URL+"/files", `{
		"user": "fred", "group": "gws",
		"filelist": ["/data/a.nc", "/data/b.nc"],
		"label": "climate-runs",
		"tag": {"experiment": "x1"}
	}`)
	out := decodeResponse(t, resp)

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", out.Status)
	require.NotEmpty(t, out.TransactionID)

	msgs, keys := c.captured()
	require.Len(t, msgs, 1)
	assert.Equal(t, "nlds-api.route.putlist", keys[0])
	assert.Equal(t, out.TransactionID, msgs[0].Details.TransactionID)
	assert.Equal(t, "fred", msgs[0].Details.User)
	assert.Equal(t, "climate-runs", msgs[0].Meta.Label)
	require.Len(t, msgs[0].Data.Filelist, 2)
	assert.Equal(t, "/data/a.nc", msgs[0].Data.Filelist[0].OriginalPath)
}

func TestPutSingleFileUsesPut(t *testing.T) {
	c := newRouteCapture(t)
	srv := newTestServer(t, c)

	resp := doJSON(t, http.MethodPut, srv.URL+"/files",
		`{"user": "fred", "group": "gws", "filelist": ["/data/a.nc"]}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, keys := c.captured()
	require.Len(t, keys, 1)
	assert.Equal(t, "nlds-api.route.put", keys[0])
}

func TestPutFilesValidation(t *testing.T) {
	c := newRouteCapture(t)
	srv := newTestServer(t, c)

	for name, body := range map[string]string{
		"no user":        `{"group": "gws", "filelist": ["/a"]}`,
		"no group":       `{"user": "fred", "filelist": ["/a"]}`,
		"empty filelist": `{"user": "fred", "group": "gws", "filelist": []}`,
		"malformed json": `{"user": `,
	} {
		resp := doJSON(t, http.MethodPut, srv.URL+"/files", body)
		out := decodeResponse(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
		assert.Equal(t, "error", out.Status, name)
	}

	msgs, _ := c.captured()
	assert.Empty(t, msgs)
}

func TestGetFilesRequiresTarget(t *testing.T) {
	c := newRouteCapture(t)
	srv := newTestServer(t, c)

	resp := doJSON(t, http.MethodPost, srv.URL+"/files/getlist",
		`{"user": "fred", "group": "gws", "filelist": ["/data/a.nc"]}`)
	out := decodeResponse(t, resp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out.Error, "target")
}

func TestGetFilesAccepted(t *testing.T) {
	c := newRouteCapture(t)
	srv := newTestServer(t, c)

	resp := doJSON(t, http.MethodPost, srv.URL+"/files/getlist", `{
		"user": "fred", "group": "gws",
		"filelist": ["/data/a.nc"],
		"target": "/scratch/restore"
	}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	msgs, keys := c.captured()
	require.Len(t, msgs, 1)
	assert.Equal(t, "nlds-api.route.get", keys[0])
	assert.Equal(t, "/scratch/restore", msgs[0].Details.Target)
}

func TestListHoldings(t *testing.T) {
	c := newRouteCapture(t)
	c.records = map[string]any{"holdings": []map[string]any{{"id": 1, "label": "climate-runs"}}}
	srv := newTestServer(t, c)

	resp, err := http.Get(srv.URL + "/catalog/holdings?user=fred&group=gws&tag=experiment:x1")
	require.NoError(t, err)
	out := decodeResponse(t, resp)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out.Status)
	data, err := json.Marshal(out.Data)
	require.NoError(t, err)
	assert.Contains(t, string(data), "climate-runs")

	msgs, keys := c.captured()
	require.Len(t, msgs, 1)
	assert.Equal(t, "nlds-api.route.list", keys[0])
	assert.Equal(t, map[string]string{"experiment": "x1"}, msgs[0].Meta.Tag)
}

func TestListHoldingsRequiresUser(t *testing.T) {
	c := newRouteCapture(t)
	srv := newTestServer(t, c)

	resp, err := http.Get(srv.URL + "/catalog/holdings?group=gws")
	require.NoError(t, err)
	out := decodeResponse(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out.Error, "user")
}

func TestFindFilesRelaysFailure(t *testing.T) {
	c := newRouteCapture(t)
	c.failure = "no files found"
	srv := newTestServer(t, c)

	resp, err := http.Get(srv.URL + "/catalog/files?user=fred&group=gws&path=/data/missing.nc")
	require.NoError(t, err)
	out := decodeResponse(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, out.Error, "no files found")
}

func TestUpdateMeta(t *testing.T) {
	c := newRouteCapture(t)
	c.records = map[string]any{"holdings": []any{}}
	srv := newTestServer(t, c)

	resp := doJSON(t, http.MethodPost, srv.URL+"/catalog/meta", `{
		"user": "fred", "group": "gws",
		"holding_id": 7,
		"new_label": "renamed",
		"del_tag": {"experiment": ""}
	}`)
	out := decodeResponse(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out.Status)

	msgs, keys := c.captured()
	require.Len(t, msgs, 1)
	assert.Equal(t, "nlds-api.route.meta", keys[0])
	assert.Equal(t, uint(7), msgs[0].Meta.HoldingID)
	require.NotNil(t, msgs[0].Meta.NewMeta)
	assert.Equal(t, "renamed", msgs[0].Meta.NewMeta.Label)
}

func TestUpdateMetaRejectsNoChanges(t *testing.T) {
	c := newRouteCapture(t)
	srv := newTestServer(t, c)

	resp := doJSON(t, http.MethodPost, srv.URL+"/catalog/meta",
		`{"user": "fred", "group": "gws", "label": "climate-runs"}`)
	out := decodeResponse(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out.Error, "no metadata changes")
}

func TestStatParsesFilters(t *testing.T) {
	c := newRouteCapture(t)
	c.records = map[string]any{"records": []any{}}
	srv := newTestServer(t, c)

	resp, err := http.Get(srv.URL + "/status?user=fred&group=gws&state=COMPLETE&api_action=put&job_label=nightly")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msgs, keys := c.captured()
	require.Len(t, msgs, 1)
	assert.Equal(t, "nlds-api.route.stat", keys[0])
	require.NotNil(t, msgs[0].Meta.State)
	assert.Equal(t, message.StateComplete, *msgs[0].Meta.State)
	assert.Equal(t, "put", msgs[0].Meta.APIAction)
	assert.Equal(t, "nightly", msgs[0].Details.JobLabel)
}

func TestStatRejectsUnknownState(t *testing.T) {
	c := newRouteCapture(t)
	srv := newTestServer(t, c)

	resp, err := http.Get(srv.URL + "/status?user=fred&state=NOT_A_STATE")
	require.NoError(t, err)
	out := decodeResponse(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, out.Error)
}

func TestSystemStatus(t *testing.T) {
	c := newRouteCapture(t)
	c.records = map[string]any{
		"catalog_q": "ok", "monitor_q": "ok", "index_q": "unreachable",
	}
	srv := newTestServer(t, c)

	resp, err := http.Get(srv.URL + "/system/status")
	require.NoError(t, err)
	out := decodeResponse(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := json.Marshal(out.Data)
	require.NoError(t, err)
	assert.Contains(t, string(data), "unreachable")

	_, keys := c.captured()
	require.Len(t, keys, 1)
	assert.Equal(t, "nlds-api.route.system-stat", keys[0])
}

func TestHealth(t *testing.T) {
	c := newRouteCapture(t)
	srv := newTestServer(t, c)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	out := decodeResponse(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out.Status)
}

func TestParseTag(t *testing.T) {
	tag, err := parseTag("a:1,b:two")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "two"}, tag)

	_, err = parseTag("missing-separator")
	assert.Error(t, err)
}
