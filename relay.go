// Package relay is the thin external API facade (spec.md §6): a Core
// type exposing room/member lifecycle as plain in-process calls, the way
// an embedder (a game binding, a test harness) would drive the relay
// without going through the admin HTTP surface. It mirrors the exported
// method set internal/server.Manager already offers the same way the
// teacher's own room.go acts as the de facto external API of that repo.
package relay

import (
	"context"
	"time"

	"relaycore/internal/registry"
	"relaycore/internal/relaymetrics"
	"relaycore/internal/room"
	"relaycore/internal/server"

	"github.com/prometheus/client_golang/prometheus"
)

// Config configures a Core instance.
type Config struct {
	UDPAddr           string
	DBPath            string
	Tick              time.Duration
	DisconnectTimeout time.Duration
}

// Core bundles the UDP manager, registry, and metrics registry behind a
// single facade, suitable for embedding directly in a test or another
// Go process rather than driving it over the admin HTTP API.
type Core struct {
	Manager  *server.Manager
	Registry *registry.Registry
	Metrics  *relaymetrics.Metrics
	Gatherer prometheus.Gatherer
}

// New opens the registry, binds the UDP socket, and wires metrics, but
// does not start the scheduler — call Run for that.
func New(cfg Config) (*Core, error) {
	reg, err := registry.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	mgr, err := server.New(cfg.UDPAddr, cfg.Tick, cfg.DisconnectTimeout)
	if err != nil {
		reg.Close()
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	metrics := relaymetrics.NewMetrics(promReg)
	promReg.MustRegister(relaymetrics.NewGaugeCollector(mgr))
	mgr.SetMetrics(metrics)

	return &Core{Manager: mgr, Registry: reg, Metrics: metrics, Gatherer: promReg}, nil
}

// Close releases the registry's database handle. It does not close the
// UDP socket; cancel the context passed to Run for that.
func (c *Core) Close() error {
	return c.Registry.Close()
}

// Run starts the UDP read loop and tick scheduler; it blocks until ctx
// is canceled.
func (c *Core) Run(ctx context.Context) error {
	return c.Manager.Run(ctx)
}

// CreateRoom registers a room template and starts a matching in-memory
// room, seeding the registry so the template survives a restart even
// though live room state never does (spec.md §3 non-goal).
func (c *Core) CreateRoom(id room.RoomID, templateName string) (*room.Room, error) {
	if _, err := c.Registry.PutRoomTemplate(context.Background(), templateName); err != nil {
		return nil, err
	}
	return c.Manager.CreateRoom(id, room.Template{Name: templateName})
}

// AttachMember persists a fresh private key for (roomID, memberID) and
// attaches the member to the live room in one call.
func (c *Core) AttachMember(roomID room.RoomID, memberID room.MemberID, groups room.AccessGroups) ([32]byte, error) {
	rec, err := c.Registry.RegisterMember(context.Background(), uint64(roomID), uint16(memberID), uint64(groups))
	if err != nil {
		return [32]byte{}, err
	}
	if err := c.Manager.AttachMember(roomID, memberID, rec.PrivateKey, groups); err != nil {
		return [32]byte{}, err
	}
	return rec.PrivateKey, nil
}

// DetachMember detaches a member from its room and forgets its learned
// UDP address.
func (c *Core) DetachMember(roomID room.RoomID, memberID room.MemberID) error {
	return c.Manager.DetachMember(roomID, memberID)
}

// DumpRoom returns a point-in-time snapshot of every object in a room.
func (c *Core) DumpRoom(roomID room.RoomID) ([]room.Snapshot, error) {
	r, ok := c.Manager.Room(roomID)
	if !ok {
		return nil, server.ErrRoomNotFound
	}
	return r.Dump(), nil
}
