package gateway

import (
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basketmesh/basketmesh/internal/cache"
	"github.com/basketmesh/basketmesh/pkg/basket"
	"github.com/basketmesh/basketmesh/pkg/proto"
)

func TestRepository_LearnAndLocate(t *testing.T) {
	r, _ := newTestRepo(t)
	table := basket.DefaultConverterTable()
	k := basket.MustParse("291.1.3")

	resp, _ := r.Handle(TransportMulticast, command(t, proto.OpAlive, proto.AliveRequest{Host: "p1", Status: 30, Available: 1000}))
	require.NoError(t, resp.Err())
	resp, _ = r.Handle(TransportMulticast, command(t, proto.OpInsert, proto.InsertRequest{
		Basket: k, Host: "p1", Path: table.Path("/data", k),
	}))
	require.NoError(t, resp.Err())

	resp, miss := r.Handle(TransportUDP, command(t, proto.OpGet, proto.GetRequest{Basket: k, Island: "east"}))
	require.NoError(t, resp.Err())
	assert.False(t, miss)
	assert.Equal(t, proto.Response, resp.Direction)

	var res proto.GetResponse
	require.NoError(t, resp.Decode(&res))
	assert.Equal(t, k, res.Basket)
	assert.Equal(t, "east", res.Island)
	assert.Equal(t, map[string]string{"p1": table.Path("/data", k)}, res.Paths)
}

func TestRepository_InsertFallsBackToBaseDir(t *testing.T) {
	r, _ := newTestRepo(t)
	k := basket.MustParse("5.0.1")
	require.NoError(t, r.Cache().SetStatus("p1", cache.StatusActive, 1))

	resp, _ := r.Handle(TransportMulticast, command(t, proto.OpInsert, proto.InsertRequest{Basket: k, Host: "p1", Path: "/elsewhere/x"}))
	require.NoError(t, resp.Err())

	locs := r.Cache().Find(k)
	require.Len(t, locs, 1)
	assert.Equal(t, "/expdsk", locs[0].Base)
}

func TestRepository_GetMiss(t *testing.T) {
	m := newTestMetrics(t)
	r, _ := newTestRepo(t, withMetrics(m))

	resp, miss := r.Handle(TransportUDP, command(t, proto.OpGet, proto.GetRequest{Basket: basket.MustParse("1.1.1")}))
	require.NoError(t, resp.Err())
	assert.True(t, miss)

	var res proto.GetResponse
	require.NoError(t, resp.Decode(&res))
	assert.Empty(t, res.Paths)

	assert.Equal(t, float64(1), promtest.ToFloat64(m.Lookups.WithLabelValues("miss")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.Requests.WithLabelValues(TransportUDP, "GET")))
}

func TestRepository_Create(t *testing.T) {
	r, _ := newTestRepo(t)
	create := command(t, proto.OpCreate, proto.CreateRequest{
		Basket: basket.MustParse("7.0.1"),
		Hints:  proto.Hints{Length: 500},
	})

	resp, _ := r.Handle(TransportUDP, create)
	requireCode(t, resp, proto.CodeNoPeer)

	require.NoError(t, r.Cache().SetStatus("p1", cache.StatusActive, 1000))
	require.NoError(t, r.Cache().SetStatus("p2", cache.StatusActive, 100))
	require.NoError(t, r.Cache().SetStatus("p3", cache.StatusReadOnly, 1000))

	resp, _ = r.Handle(TransportUDP, create)
	require.NoError(t, resp.Err())
	var res proto.CreateResponse
	require.NoError(t, resp.Decode(&res))
	assert.Equal(t, []string{"p1"}, res.Hosts)
	assert.Equal(t, basket.MustParse("7.0.1"), res.Basket)
}

func TestRepository_CreatePreferCapacity(t *testing.T) {
	r, _ := newTestRepo(t, func(c *RepositoryConfig) { c.PreferCapacity = true })
	require.NoError(t, r.Cache().SetStatus("p1", cache.StatusActive, 1000))
	require.NoError(t, r.Cache().SetStatus("p2", cache.StatusActive, 10))

	resp, _ := r.Handle(TransportUDP, command(t, proto.OpCreate, proto.CreateRequest{Basket: basket.MustParse("7.0.1")}))
	require.NoError(t, resp.Err())
	var res proto.CreateResponse
	require.NoError(t, resp.Decode(&res))
	assert.ElementsMatch(t, []string{"p1", "p2"}, res.Hosts)
}

func TestRepository_Drop(t *testing.T) {
	r, _ := newTestRepo(t)
	k := seed(t, r)

	resp, _ := r.Handle(TransportMulticast, command(t, proto.OpDrop, proto.DropRequest{Basket: k, Host: "p1"}))
	require.NoError(t, resp.Err())
	assert.Empty(t, r.Cache().Find(k))
}

func TestRepository_AliveRejectsOutOfRangeStatus(t *testing.T) {
	r, _ := newTestRepo(t)

	resp, _ := r.Handle(TransportMulticast, command(t, proto.OpAlive, proto.AliveRequest{Host: "p1", Status: 300}))
	requireCode(t, resp, proto.CodeInvalidArgument)

	resp, _ = r.Handle(TransportMulticast, command(t, proto.OpAlive, proto.AliveRequest{Host: "", Status: 30}))
	requireCode(t, resp, proto.CodeInvalidArgument)

	_, ok := r.Cache().Peer("p1")
	assert.False(t, ok)
}

func TestRepository_Status(t *testing.T) {
	r, _ := newTestRepo(t)
	k := seed(t, r)
	r.Cache().Find(k)

	resp, _ := r.Handle(TransportConsole, command(t, proto.OpStatus, nil))
	require.NoError(t, resp.Err())

	var res proto.StatusResponse
	require.NoError(t, resp.Decode(&res))
	assert.Equal(t, uint64(15), res.Status["CACHE_EXPIRE"])
	assert.Equal(t, uint64(1), res.Status["CACHE_REQUESTS"])
	assert.Equal(t, uint64(1000), res.Status["CACHE_COUNT_CLEAR"])
	assert.Equal(t, uint64(1), res.Status["ACTIVE_PAGES"])
	assert.Len(t, res.Status, len(cache.Metrics()))
}

func TestRepository_Purge(t *testing.T) {
	r, _ := newTestRepo(t)
	seed(t, r)

	resp, _ := r.Handle(TransportConsole, command(t, proto.OpPurge, proto.PurgeRequest{}))
	requireCode(t, resp, proto.CodeInvalidArgument)

	resp, _ = r.Handle(TransportConsole, command(t, proto.OpPurge, proto.PurgeRequest{Peers: []string{"p1", "p9"}}))
	require.NoError(t, resp.Err())
	var res proto.PurgeResponse
	require.NoError(t, resp.Decode(&res))
	assert.Equal(t, map[string]int{"p1": 1, "p9": 0}, res.Purged)
	assert.Equal(t, 0, r.Cache().Len())
}

func TestRepository_Errors(t *testing.T) {
	m := newTestMetrics(t)
	r, _ := newTestRepo(t, withMetrics(m))

	tests := []struct {
		name string
		env  proto.Envelope
		code string
	}{
		{"dump over datagram", command(t, proto.OpDump, nil), proto.CodeInvalidArgument},
		{"unknown opcode", proto.Envelope{
			Version: proto.Version, Direction: proto.Command, Opcode: "FROB", Operand: []byte("{}"),
		}, proto.CodeUnknownCommand},
		{"bad basket", proto.Envelope{
			Version: proto.Version, Direction: proto.Command, Opcode: proto.OpGet, Operand: []byte(`{"basket":"x"}`),
		}, proto.CodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, miss := r.Handle(TransportUDP, tt.env)
			assert.False(t, miss)
			requireCode(t, resp, tt.code)
			assert.Equal(t, float64(1), promtest.ToFloat64(m.RequestErrors.WithLabelValues(string(tt.env.Opcode), tt.code)))
		})
	}
}

func TestRepository_Nop(t *testing.T) {
	r, _ := newTestRepo(t)
	resp, miss := r.Handle(TransportUDP, command(t, proto.OpNop, nil))
	require.NoError(t, resp.Err())
	assert.False(t, miss)
	assert.Equal(t, proto.OpNop, resp.Opcode)
}

func TestRepliesTo(t *testing.T) {
	for _, op := range []proto.Opcode{proto.OpInsert, proto.OpDrop, proto.OpAlive} {
		assert.False(t, repliesTo(op), op)
	}
	for _, op := range []proto.Opcode{proto.OpCreate, proto.OpGet, proto.OpNop, proto.OpStatus} {
		assert.True(t, repliesTo(op), op)
	}
}
