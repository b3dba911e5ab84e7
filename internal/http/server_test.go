//nolint:hugeParam // test only
package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"podtable/pkg/cluster"
	"podtable/pkg/metrics"
	"podtable/pkg/query"
	"podtable/pkg/rpc"
	"podtable/pkg/table"
	"podtable/pkg/types"
)

func usersSchema() table.Schema {
	return table.Schema{
		Columns: []table.Column{
			{Name: "tenant", Type: table.TypeString},
			{Name: "id", Type: table.TypeInt64},
			{Name: "name", Type: table.TypeString},
		},
		Key: []string{"tenant", "id"},
	}
}

// testNode is one pod member served over a real listener
type testNode struct {
	ts      *httptest.Server
	addr    string
	pod     *cluster.ShardMap
	catalog *table.Catalog
	server  *Server
	reg     *prometheus.Registry
}

func (n *testNode) users(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := n.catalog.Lookup("users")
	if err != nil {
		t.Fatalf("lookup users: %v", err)
	}
	return tbl
}

// newPod starts n single-server nodes that know each other by their
// listener addresses.
func newPod(t *testing.T, n int) []*testNode {
	t.Helper()
	layout := make([]int, n)
	for i := range layout {
		layout[i] = 1
	}
	return startPod(t, layout)
}

// startPod starts one process per server; member i has layout[i] servers,
// the first of them is the primary. Processes are returned member by member.
func startPod(t *testing.T, layout []int) []*testNode {
	t.Helper()
	var nodes []*testNode
	members := make([]cluster.Member, 0, len(layout))
	for i, servers := range layout {
		m := cluster.Member{ID: types.NodeID(fmt.Sprintf("n%d", i))}
		for j := 0; j < servers; j++ {
			ts := httptest.NewUnstartedServer(nil)
			addr := ts.Listener.Addr().String()
			nodes = append(nodes, &testNode{ts: ts, addr: addr})
			m.Servers = append(m.Servers, addr)
		}
		members = append(members, m)
	}

	for _, nd := range nodes {
		pod, err := cluster.NewShardMap("main", nd.addr, cluster.JumpStrategy{}, members)
		if err != nil {
			t.Fatalf("shard map: %v", err)
		}
		catalog := table.NewCatalog()
		if _, err := catalog.Open("users", usersSchema(), pod); err != nil {
			t.Fatalf("open users: %v", err)
		}

		pool := rpc.NewPool(catalog, 2*time.Second)
		reg := prometheus.NewRegistry()

		nd.pod, nd.catalog, nd.reg = pod, catalog, reg
		nd.server = NewServer(Deps{
			Catalog:        catalog,
			Router:         &table.Router{Catalog: catalog, NewClient: pool.ClientFactory()},
			Pod:            pod,
			Gatherer:       query.Gatherer{Dial: pool.Dialer()},
			Metrics:        metrics.NewPrometheus("podtable", reg),
			MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}, "")
		nd.ts.Config.Handler = nd.server.Handler()
		nd.ts.Start()
		t.Cleanup(nd.ts.Close)
	}
	return nodes
}

type wireResponse struct {
	Status Status           `json:"status"`
	Value  json.RawMessage  `json:"value"`
	Rows   []map[string]any `json:"rows"`
	Error  string           `json:"error"`
}

func call(t *testing.T, method, u string, body any) (int, wireResponse) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, u, err)
	}
	defer resp.Body.Close()

	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, u, err)
	}
	return resp.StatusCode, out
}

func keyQuery(tenant string, id int64) string {
	return url.Values{"tenant": {tenant}, "id": {fmt.Sprint(id)}}.Encode()
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) wireResponse {
	t.Helper()
	var resp wireResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	s := NewServer(Deps{Catalog: table.NewCatalog()}, "")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}

	// Method not allowed: POST to /health
	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestRowsAreRoutedToOwners(t *testing.T) {
	nodes := newPod(t, 3)
	const n = 90

	// все записи идут через node0, роутер разносит их по владельцам
	for i := int64(0); i < n; i++ {
		code, resp := call(t, http.MethodPut, nodes[0].ts.URL+"/api/tables/users/rows",
			map[string]any{"tenant": "acme", "id": i, "name": fmt.Sprintf("user-%d", i)})
		if code != http.StatusOK {
			t.Fatalf("put %d: %d %s", i, code, resp.Error)
		}
	}

	total := 0
	for idx, nd := range nodes {
		tbl := nd.users(t)
		total += tbl.Len()
		tbl.Scan(func(c table.Cursor) bool {
			if owner := tbl.Pod().NodeFor(tbl.PodHash(c)).Index(); owner != idx {
				t.Fatalf("node %d stores row of node %d: %v", idx, owner, c.Row())
			}
			return true
		})
	}
	if total != n {
		t.Fatalf("expected %d stored rows, got %d", n, total)
	}

	// чтение с любой ноды находит строку
	for i := int64(0); i < n; i++ {
		code, resp := call(t, http.MethodGet, nodes[1].ts.URL+"/api/tables/users/rows?"+keyQuery("acme", i), nil)
		if code != http.StatusOK {
			t.Fatalf("get %d: %d %s", i, code, resp.Error)
		}
		var row map[string]any
		if err := json.Unmarshal(resp.Value, &row); err != nil {
			t.Fatalf("decode row: %v", err)
		}
		if row["name"] != fmt.Sprintf("user-%d", i) {
			t.Fatalf("get %d: unexpected row %v", i, row)
		}
	}

	code, _ := call(t, http.MethodDelete, nodes[2].ts.URL+"/api/tables/users/rows?"+keyQuery("acme", 5), nil)
	if code != http.StatusOK {
		t.Fatalf("delete: %d", code)
	}
	code, resp := call(t, http.MethodGet, nodes[0].ts.URL+"/api/tables/users/rows?"+keyQuery("acme", 5), nil)
	if code != http.StatusNotFound || resp.Status != StatusNotFound {
		t.Fatalf("get after delete: %d %s", code, resp.Status)
	}
}

func TestScanLocalAndGather(t *testing.T) {
	nodes := newPod(t, 3)
	const n = 60

	// каждая нода хранит полную копию, локальный скан отсекает чужие строки
	for _, nd := range nodes {
		tbl := nd.users(t)
		for i := int64(0); i < n; i++ {
			if err := tbl.Put(table.Row{"tenant": "t", "id": i}); err != nil {
				t.Fatalf("put: %v", err)
			}
		}
	}

	seen := make(map[float64]int)
	for idx, nd := range nodes {
		code, resp := call(t, http.MethodGet, nd.ts.URL+"/api/tables/users/scan?local=true", nil)
		if code != http.StatusOK {
			t.Fatalf("scan node %d: %d %s", idx, code, resp.Error)
		}
		for _, row := range resp.Rows {
			seen[row["id"].(float64)]++
		}
	}
	if len(seen) != n {
		t.Fatalf("local scans cover %d rows, want %d", len(seen), n)
	}
	for id, cnt := range seen {
		if cnt != 1 {
			t.Fatalf("row %v is local on %d nodes", id, cnt)
		}
	}

	code, resp := call(t, http.MethodGet, nodes[1].ts.URL+"/api/tables/users/scan", nil)
	if code != http.StatusOK {
		t.Fatalf("gather: %d %s", code, resp.Error)
	}
	if len(resp.Rows) != n {
		t.Fatalf("gather returned %d rows, want %d", len(resp.Rows), n)
	}
}

func TestOwnerAndPodEndpoints(t *testing.T) {
	nodes := newPod(t, 2)
	tbl := nodes[0].users(t)

	for i := int64(0); i < 20; i++ {
		code, resp := call(t, http.MethodGet, nodes[0].ts.URL+"/api/tables/users/owner?"+keyQuery("acme", i), nil)
		if code != http.StatusOK {
			t.Fatalf("owner: %d %s", code, resp.Error)
		}
		var info OwnerInfo
		if err := json.Unmarshal(resp.Value, &info); err != nil {
			t.Fatalf("decode owner: %v", err)
		}
		want := tbl.Pod().NodeFor(tbl.PodHashRow(table.Row{"tenant": "acme", "id": i}))
		if info.Node != want.Index() || info.Owner != want.Owner() {
			t.Fatalf("owner of %d: got %+v, want node %d", i, info, want.Index())
		}
		if info.Local != (want.Index() == 0) {
			t.Fatalf("owner of %d: local=%v on node0", i, info.Local)
		}
	}

	code, resp := call(t, http.MethodGet, nodes[1].ts.URL+"/api/pods/main", nil)
	if code != http.StatusOK {
		t.Fatalf("pod: %d", code)
	}
	var info PodInfo
	if err := json.Unmarshal(resp.Value, &info); err != nil {
		t.Fatalf("decode pod: %v", err)
	}
	if info.Strategy != "jump" || info.Self != "node-1" || len(info.Members) != 2 {
		t.Fatalf("unexpected pod info %+v", info)
	}
	if info.Members[0].Owner != nodes[0].addr {
		t.Fatalf("member 0 owner %q, want %q", info.Members[0].Owner, nodes[0].addr)
	}

	if code, _ := call(t, http.MethodGet, nodes[1].ts.URL+"/api/pods/other", nil); code != http.StatusNotFound {
		t.Fatalf("unknown pod: expected 404, got %d", code)
	}
}

func TestErrorMapping(t *testing.T) {
	nodes := newPod(t, 2)
	base := nodes[0].ts.URL

	if code, _ := call(t, http.MethodGet, base+"/api/tables/nope/rows?"+keyQuery("a", 1), nil); code != http.StatusNotFound {
		t.Fatalf("unknown table: expected 404, got %d", code)
	}
	if code, _ := call(t, http.MethodGet, base+"/api/tables/users/rows?tenant=a", nil); code != http.StatusBadRequest {
		t.Fatalf("missing key: expected 400, got %d", code)
	}
	if code, _ := call(t, http.MethodGet, base+"/api/tables/users/rows?tenant=a&id=x", nil); code != http.StatusBadRequest {
		t.Fatalf("bad key: expected 400, got %d", code)
	}
	if code, _ := call(t, http.MethodPut, base+"/api/tables/users/rows", map[string]any{"tenant": "a", "id": 1, "age": 3}); code != http.StatusBadRequest {
		t.Fatalf("unknown column: expected 400, got %d", code)
	}

	// все серверы node1 недоступны: строки node1 некому обслужить
	nodes[0].pod.SetServerDown(nodes[1].addr, true)
	tbl := nodes[0].users(t)
	for i := int64(0); i < 100; i++ {
		if tbl.Pod().NodeFor(tbl.PodHashRow(table.Row{"tenant": "a", "id": i})).Index() != 1 {
			continue
		}
		code, _ := call(t, http.MethodGet, base+"/api/tables/users/rows?"+keyQuery("a", i), nil)
		if code != http.StatusServiceUnavailable {
			t.Fatalf("no owner: expected 503, got %d", code)
		}
		return
	}
	t.Fatal("no row maps to node 1")
}

func TestForwardedRequestIsServedLocally(t *testing.T) {
	nodes := newPod(t, 2)
	tbl := nodes[0].users(t)

	// строку node1 пересылают на node0: node0 не должен маршрутизировать дальше
	var id int64 = -1
	for i := int64(0); i < 100; i++ {
		if tbl.Pod().NodeFor(tbl.PodHashRow(table.Row{"tenant": "f", "id": i})).Index() == 1 {
			id = i
			break
		}
	}
	if id < 0 {
		t.Fatal("no row maps to node 1")
	}

	body := strings.NewReader(fmt.Sprintf(`{"tenant":"f","id":%d}`, id))
	req, _ := http.NewRequest(http.MethodPut, nodes[0].ts.URL+"/api/tables/users/rows", body)
	req.Header.Set(rpc.ForwardedHeader, "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forwarded put: %d", resp.StatusCode)
	}
	if tbl.Len() != 1 || nodes[1].users(t).Len() != 0 {
		t.Fatalf("forwarded row must stay on the receiving node: node0=%d node1=%d", tbl.Len(), nodes[1].users(t).Len())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	nodes := newPod(t, 1)
	call(t, http.MethodGet, nodes[0].ts.URL+"/api/tables/users/scan?local=true", nil)

	resp, err := http.Get(nodes[0].ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"podtable_http_requests_total", "podtable_rows_scanned_total", "podtable_scan_duration_seconds"} {
		if !strings.Contains(string(b), name) {
			t.Fatalf("metrics output lacks %s:\n%s", name, b)
		}
	}
}

func TestCopyServerServesOwnerRows(t *testing.T) {
	// n0: primary nodes[0] и копия nodes[1]; n1: nodes[2]
	nodes := startPod(t, []int{2, 1})
	primary, replica := nodes[0], nodes[1]
	const n = 40

	for i := int64(0); i < n; i++ {
		code, resp := call(t, http.MethodPut, replica.ts.URL+"/api/tables/users/rows",
			map[string]any{"tenant": "acme", "id": i, "name": fmt.Sprintf("user-%d", i)})
		if code != http.StatusOK {
			t.Fatalf("put %d: %d %s", i, code, resp.Error)
		}
	}
	if got := replica.users(t).Len(); got != 0 {
		t.Fatalf("copy server stored %d rows while its primary is live", got)
	}
	if got := primary.users(t).Len() + nodes[2].users(t).Len(); got != n {
		t.Fatalf("owners store %d rows, want %d", got, n)
	}

	for i := int64(0); i < n; i++ {
		code, resp := call(t, http.MethodGet, replica.ts.URL+"/api/tables/users/rows?"+keyQuery("acme", i), nil)
		if code != http.StatusOK {
			t.Fatalf("get %d through copy: %d %s", i, code, resp.Error)
		}
	}

	code, resp := call(t, http.MethodGet, replica.ts.URL+"/api/tables/users/scan?local=true", nil)
	if code != http.StatusOK || len(resp.Rows) != 0 {
		t.Fatalf("copy local scan: %d rows=%d", code, len(resp.Rows))
	}
	code, resp = call(t, http.MethodGet, replica.ts.URL+"/api/tables/users/scan", nil)
	if code != http.StatusOK || len(resp.Rows) != n {
		t.Fatalf("gather through copy: %d rows=%d, want %d", code, len(resp.Rows), n)
	}

	code, resp = call(t, http.MethodGet, replica.ts.URL+"/api/pods/main", nil)
	if code != http.StatusOK {
		t.Fatalf("pod: %d", code)
	}
	var info PodInfo
	if err := json.Unmarshal(resp.Value, &info); err != nil {
		t.Fatalf("decode pod: %v", err)
	}
	if info.Self != "unassigned" {
		t.Fatalf("copy server must not claim n0, self=%s", info.Self)
	}
}
