// Package realm announces a world server in Consul and lists the realms
// registered there.
package realm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/lcx/worldcore/log"
	"github.com/lcx/worldcore/metrics"
)

const (
	metricsGroup = "realm"

	metaRealmID   = "realm_id"
	metaRealmName = "realm_name"
)

var ErrNotRegistered = errors.New("realm not registered")

// Realm is one world server found in the registry.
type Realm struct {
	ID      uint32
	Name    string
	Address string
	Port    int
	Tags    []string
}

// Registry keeps the service entry of this world server alive.
type Registry struct {
	cfg    RegistryCfg
	client *api.Client

	// population reports the online sessions in heartbeats.
	population func() int

	mu        sync.Mutex
	serviceID string
	stop      chan struct{}
	done      chan struct{}
}

// NewRegistry builds a registry on the Consul agent of cfg.
func NewRegistry(cfg *RegistryCfg) (*Registry, error) {
	ccfg := api.DefaultConfig()
	if cfg.Address != "" {
		ccfg.Address = cfg.Address
	}
	ccfg.Token = cfg.Token
	ccfg.Datacenter = cfg.Datacenter

	client, err := api.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Registry{cfg: *cfg, client: client}, nil
}

// SetPopulation sets the source of the session count sent with heartbeats.
func (r *Registry) SetPopulation(f func() int) {
	r.mu.Lock()
	r.population = f
	r.mu.Unlock()
}

// Register adds the realm endpoint addr:port and starts heartbeating its
// TTL check. Registering again replaces the previous entry.
func (r *Registry) Register(addr string, port int) error {
	if r.cfg.AdvertiseIP != "" {
		addr = r.cfg.AdvertiseIP
	}
	r.Deregister()

	id := fmt.Sprintf("%s-%d", r.cfg.service(), r.cfg.RealmID)
	ttl := r.cfg.ttl()
	check := &api.AgentServiceCheck{
		CheckID: "service:" + id,
		TTL:     ttl.String(),
		Status:  api.HealthPassing,
	}
	if r.cfg.DeregisterAfter > 0 {
		check.DeregisterCriticalServiceAfter = r.cfg.DeregisterAfter.String()
	}
	reg := &api.AgentServiceRegistration{
		ID:      id,
		Name:    r.cfg.service(),
		Address: addr,
		Port:    port,
		Tags:    r.cfg.Tags,
		Meta: map[string]string{
			metaRealmID:   strconv.FormatUint(uint64(r.cfg.RealmID), 10),
			metaRealmName: r.cfg.RealmName,
		},
		Check: check,
	}
	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		metrics.IncrCounterWithGroup(metricsGroup, "register_error_total", 1)
		return fmt.Errorf("register realm %d: %w", r.cfg.RealmID, err)
	}

	r.mu.Lock()
	r.serviceID = id
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.heartbeat(r.stop, r.done, ttl/2)
	r.mu.Unlock()

	log.Category("realm").Info().Str("id", id).Str("address", addr).Int("port", port).Msg("realm registered")
	return nil
}

func (r *Registry) heartbeat(stop, done chan struct{}, interval time.Duration) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := r.Heartbeat(); err != nil {
				log.Category("realm").Warn().Err(err).Msg("realm heartbeat failed")
			}
		}
	}
}

// Heartbeat marks the check passing once.
func (r *Registry) Heartbeat() error {
	r.mu.Lock()
	id, population := r.serviceID, r.population
	r.mu.Unlock()
	if id == "" {
		return ErrNotRegistered
	}

	output := "ok"
	if population != nil {
		output = fmt.Sprintf("sessions=%d", population())
	}
	if err := r.client.Agent().UpdateTTL("service:"+id, output, api.HealthPassing); err != nil {
		metrics.IncrCounterWithGroup(metricsGroup, "heartbeat_error_total", 1)
		return fmt.Errorf("update ttl of %s: %w", id, err)
	}
	return nil
}

// Deregister stops heartbeats and removes the entry. It does nothing when
// not registered.
func (r *Registry) Deregister() {
	r.mu.Lock()
	id, stop, done := r.serviceID, r.stop, r.done
	r.serviceID, r.stop, r.done = "", nil, nil
	r.mu.Unlock()
	if id == "" {
		return
	}

	close(stop)
	<-done
	if err := r.client.Agent().ServiceDeregister(id); err != nil {
		log.Category("realm").Warn().Str("id", id).Err(err).Msg("realm deregister failed")
		return
	}
	log.Category("realm").Info().Str("id", id).Msg("realm deregistered")
}

// ListRealms returns the realms whose check is passing, ordered by id.
func (r *Registry) ListRealms(ctx context.Context) ([]Realm, error) {
	q := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(r.cfg.service(), "", true, q)
	if err != nil {
		return nil, fmt.Errorf("list realms: %w", err)
	}

	realms := make([]Realm, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		id, err := strconv.ParseUint(e.Service.Meta[metaRealmID], 10, 32)
		if err != nil {
			log.Category("realm").Debug().Str("service", e.Service.ID).Msg("entry without realm id")
			continue
		}
		addr := e.Service.Address
		if addr == "" && e.Node != nil {
			addr = e.Node.Address
		}
		realms = append(realms, Realm{
			ID:      uint32(id),
			Name:    e.Service.Meta[metaRealmName],
			Address: addr,
			Port:    e.Service.Port,
			Tags:    e.Service.Tags,
		})
	}
	slices.SortFunc(realms, func(a, b Realm) int { return cmp.Compare(a.ID, b.ID) })
	return realms, nil
}
