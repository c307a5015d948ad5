// Package gateway serves the basket location cache over the wire: unicast and
// multicast UDP, a TCP console and an admin HTTP API.
package gateway

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/basketmesh/basketmesh/internal/cache"
	"github.com/basketmesh/basketmesh/internal/logging/audit"
	"github.com/basketmesh/basketmesh/internal/metrics"
	"github.com/basketmesh/basketmesh/pkg/basket"
	"github.com/basketmesh/basketmesh/pkg/proto"
)

// Transport labels used in metrics and logs.
const (
	TransportUDP       = "udp"
	TransportMulticast = "multicast"
	TransportConsole   = "console"
	TransportAdmin     = "admin"
)

// ErrNoPeer is returned when no writable peer can take a basket.
var ErrNoPeer = errors.New("no peer available")

// RepositoryConfig configures a Repository.
type RepositoryConfig struct {
	Converters     *basket.ConverterTable
	BaseDir        string // Used when an INSERT path cannot be decoded
	PreferCapacity bool
	Metrics        *metrics.GatewayMetrics
	Audit          *audit.Logger // Optional
}

// Repository maps protocol commands onto cache operations.
type Repository struct {
	cache          *cache.Cache
	converters     *basket.ConverterTable
	baseDir        string
	preferCapacity bool
	metrics        *metrics.GatewayMetrics
	audit          *audit.Logger
}

// NewRepository creates a repository over c.
func NewRepository(c *cache.Cache, cfg RepositoryConfig) *Repository {
	r := &Repository{
		cache:          c,
		converters:     cfg.Converters,
		baseDir:        cfg.BaseDir,
		preferCapacity: cfg.PreferCapacity,
		metrics:        cfg.Metrics,
		audit:          cfg.Audit,
	}
	if r.converters == nil {
		r.converters = basket.DefaultConverterTable()
	}
	if r.audit == nil {
		r.audit = audit.Nop()
	}
	return r
}

// Cache returns the underlying cache.
func (r *Repository) Cache() *cache.Cache {
	return r.cache
}

// Handle executes one command and returns its response. miss is set when a
// GET found no readable replica.
func (r *Repository) Handle(transport string, env proto.Envelope) (resp proto.Envelope, miss bool) {
	r.countRequest(transport, env.Opcode)

	var (
		operand interface{}
		err     error
		code    = proto.CodeInvalidArgument
	)
	switch env.Opcode {
	case proto.OpNop:
	case proto.OpCreate:
		operand, err = r.create(env)
		if errors.Is(err, ErrNoPeer) {
			code = proto.CodeNoPeer
		}
	case proto.OpGet:
		var res proto.GetResponse
		res, err = r.get(env)
		operand, miss = res, err == nil && len(res.Paths) == 0
	case proto.OpInsert:
		err = r.insert(env)
	case proto.OpDrop:
		err = r.drop(env)
	case proto.OpAlive:
		err = r.alive(env)
	case proto.OpStatus:
		operand = proto.StatusResponse{Status: r.cache.Status()}
	case proto.OpPurge:
		operand, err = r.purge(env)
	case proto.OpDump:
		err = fmt.Errorf("%s is only served as a text stream", env.Opcode)
	default:
		err = fmt.Errorf("%w: %q", proto.ErrUnknownCommand, env.Opcode)
		code = proto.CodeUnknownCommand
	}

	if err != nil {
		return r.fail(env.Opcode, code, err), false
	}
	resp, err = proto.NewResponse(env.Opcode, operand)
	if err != nil {
		return r.fail(env.Opcode, proto.CodeInternal, err), false
	}
	return resp, miss
}

func (r *Repository) countRequest(transport string, op proto.Opcode) {
	if r.metrics != nil {
		r.metrics.Requests.WithLabelValues(transport, string(op)).Inc()
	}
}

func (r *Repository) fail(op proto.Opcode, code string, err error) proto.Envelope {
	if r.metrics != nil {
		r.metrics.RequestErrors.WithLabelValues(string(op), code).Inc()
	}
	log.Debug().Err(err).Str("opcode", string(op)).Str("code", code).Msg("request failed")
	return proto.NewErrorResponse(op, code, err)
}

func (r *Repository) create(env proto.Envelope) (proto.CreateResponse, error) {
	var req proto.CreateRequest
	if err := env.Decode(&req); err != nil {
		return proto.CreateResponse{}, err
	}

	var hosts []string
	if r.preferCapacity {
		hosts = r.cache.FindPeersByCapacity(req.Hints.Length, req.Hints.Class)
	} else {
		hosts = r.cache.FindPeers(req.Hints.Length, req.Hints.Class)
	}
	if len(hosts) == 0 {
		return proto.CreateResponse{}, fmt.Errorf("%w for %s (%d bytes)", ErrNoPeer, req.Basket, req.Hints.Length)
	}
	return proto.CreateResponse{Basket: req.Basket, Hosts: hosts, Island: req.Island}, nil
}

func (r *Repository) get(env proto.Envelope) (proto.GetResponse, error) {
	var req proto.GetRequest
	if err := env.Decode(&req); err != nil {
		return proto.GetResponse{}, err
	}
	res := r.Locate(req.Basket)
	res.Island = req.Island
	return res, nil
}

// Locate renders the readable replicas of k as host to path.
func (r *Repository) Locate(k basket.Key) proto.GetResponse {
	locs := r.cache.Find(k)
	if r.metrics != nil {
		result := "hit"
		if len(locs) == 0 {
			result = "miss"
		}
		r.metrics.Lookups.WithLabelValues(result).Inc()
	}

	paths := make(map[string]string, len(locs))
	for _, l := range locs {
		base := l.Base
		if base == "" {
			base = r.baseDir
		}
		paths[l.Peer] = r.converters.Path(base, k)
	}
	return proto.GetResponse{Basket: k, Paths: paths}
}

// baseOf recovers the base directory from a full basket path.
func (r *Repository) baseOf(path string, k basket.Key) string {
	if base, ok := r.converters.BaseDir(path, k); ok {
		return base
	}
	return r.baseDir
}

func (r *Repository) insert(env proto.Envelope) error {
	var req proto.InsertRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	return r.cache.Insert(req.Host, req.Basket, r.baseOf(req.Path, req.Basket))
}

func (r *Repository) drop(env proto.Envelope) error {
	var req proto.DropRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	_, err := r.cache.Erase(req.Host, req.Basket)
	return err
}

func (r *Repository) alive(env proto.Envelope) error {
	var req proto.AliveRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	if req.Status < 0 || req.Status > 255 {
		return fmt.Errorf("status %d out of range", req.Status)
	}
	return r.cache.SetStatus(req.Host, cache.Status(req.Status), req.Available)
}

func (r *Repository) purge(env proto.Envelope) (proto.PurgeResponse, error) {
	var req proto.PurgeRequest
	if err := env.Decode(&req); err != nil {
		return proto.PurgeResponse{}, err
	}
	if len(req.Peers) == 0 {
		return proto.PurgeResponse{}, errors.New("purge needs at least one peer")
	}
	return r.Purge(req.Peers...)
}

// Purge erases every entry of the given peers.
func (r *Repository) Purge(peers ...string) (proto.PurgeResponse, error) {
	purged, err := r.cache.Purge(peers...)
	if err != nil {
		return proto.PurgeResponse{}, err
	}
	log.Info().Strs("peers", peers).Interface("purged", purged).Msg("peers purged")
	return proto.PurgeResponse{Purged: purged}, nil
}

// Dump writes the text dump of the given peers, or of all peers.
func (r *Repository) Dump(w io.Writer, peers ...string) error {
	return r.cache.Dump(w, peers...)
}

// Export writes a zstd compressed dump.
func (r *Repository) Export(w io.Writer, peers ...string) error {
	return r.cache.Export(w, peers...)
}

// repliesTo reports whether op is answered to the sender. Learning and
// watchdog traffic is fire and forget.
func repliesTo(op proto.Opcode) bool {
	switch op {
	case proto.OpInsert, proto.OpDrop, proto.OpAlive:
		return false
	}
	return true
}
