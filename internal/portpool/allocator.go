// Package portpool implements a Redis-backed distributed allocator for
// the local UDP ports the RTP and WebRTC senders bind (spec §4.G);
// supplemented feature (see SPEC_FULL.md) so multiple engine instances
// can share one port range without clashing.
//
// Adapted from the teacher's
// api/assistant-api/sip/infra/rtp_port_allocator.go: same atomic
// SPOP/SADD Lua scripts and per-instance TTL-tracked crash recovery,
// generalized from "RTP ports for SIP calls" to "any sender's local
// port" and rewired onto this engine's telemetry.Logger.
package portpool

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/screamrouter/engine/internal/telemetry"
)

const (
	availableKey   = "{screamrouter:ports}:available"
	allocatedPrefix = "{screamrouter:ports}:allocated:"
	allocatedTTL   = 10 * time.Minute
)

// Allocator hands out even-numbered local ports from [start, end) across
// potentially many engine processes sharing one Redis instance.
type Allocator struct {
	client     *redis.Client
	log        telemetry.Logger
	portStart  int
	portEnd    int
	instanceID string
}

// New constructs an Allocator for the half-open port range [portStart,
// portEnd).
func New(client *redis.Client, log telemetry.Logger, portStart, portEnd int) *Allocator {
	hostname, _ := os.Hostname()
	return &Allocator{
		client:     client,
		log:        log,
		portStart:  portStart,
		portEnd:    portEnd,
		instanceID: fmt.Sprintf("%s:%d", hostname, os.Getpid()),
	}
}

var initScript = redis.NewScript(`
	local key = KEYS[1]
	local exists = redis.call('EXISTS', key)
	if exists == 0 then
		for i = 1, #ARGV do
			redis.call('SADD', key, ARGV[i])
		end
		return #ARGV
	end
	return 0
`)

// Init populates the available-ports set on first use; safe to call on
// every startup. It also reclaims any ports still tracked under this
// host:pid from a prior crash.
func (a *Allocator) Init(ctx context.Context) error {
	if a.client == nil {
		return fmt.Errorf("portpool: no redis client configured")
	}

	start := a.portStart
	if start%2 != 0 {
		start++
	}
	ports := make([]any, 0, (a.portEnd-start)/2)
	for p := start; p < a.portEnd; p += 2 {
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return fmt.Errorf("portpool: no valid ports in range %d-%d", a.portStart, a.portEnd)
	}

	n, err := initScript.Run(ctx, a.client, []string{availableKey}, ports...).Int()
	if err != nil {
		return fmt.Errorf("portpool: init pool: %w", err)
	}
	if n > 0 {
		a.log.Infow("initialized port pool", "ports_added", n, "range_start", a.portStart, "range_end", a.portEnd)
	} else {
		a.log.Debugw("port pool already initialized, skipping")
	}

	a.reclaimCrashed(ctx)
	return nil
}

var allocateScript = redis.NewScript(`
	local port = redis.call('SPOP', KEYS[1])
	if port == false then
		return -1
	end
	redis.call('SADD', KEYS[2], port)
	return port
`)

// Allocate pops one available port and tracks it under this instance's
// key for crash recovery.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	if a.client == nil {
		return 0, fmt.Errorf("portpool: no redis client configured")
	}
	instanceKey := allocatedPrefix + a.instanceID

	result, err := allocateScript.Run(ctx, a.client, []string{availableKey, instanceKey}).Int()
	if err != nil {
		return 0, fmt.Errorf("portpool: allocate: %w", err)
	}
	if result == -1 {
		inUse, _ := a.InUse(ctx)
		return 0, fmt.Errorf("portpool: no ports available in range %d-%d (%d in use)", a.portStart, a.portEnd, inUse)
	}

	a.client.Expire(ctx, instanceKey, allocatedTTL)
	a.log.Debugw("allocated port", "port", result, "instance", a.instanceID)
	return result, nil
}

var releaseScript = redis.NewScript(`
	redis.call('SREM', KEYS[2], ARGV[1])
	redis.call('SADD', KEYS[1], ARGV[1])
	return 1
`)

// Release returns port to the pool.
func (a *Allocator) Release(ctx context.Context, port int) {
	if a.client == nil {
		a.log.Errorw("no redis client configured for port release", "port", port)
		return
	}
	instanceKey := allocatedPrefix + a.instanceID
	if _, err := releaseScript.Run(ctx, a.client, []string{availableKey, instanceKey}, port).Result(); err != nil {
		a.log.Errorw("failed to release port", "port", port, "err", err)
		return
	}
	a.log.Debugw("released port", "port", port, "instance", a.instanceID)
}

// InUse returns how many ports are currently allocated across all
// instances.
func (a *Allocator) InUse(ctx context.Context) (int, error) {
	if a.client == nil {
		return 0, fmt.Errorf("portpool: no redis client configured")
	}
	start := a.portStart
	if start%2 != 0 {
		start++
	}
	total := (a.portEnd - start) / 2

	available, err := a.client.SCard(ctx, availableKey).Result()
	if err != nil {
		return 0, fmt.Errorf("portpool: scard: %w", err)
	}
	return total - int(available), nil
}

func (a *Allocator) reclaimCrashed(ctx context.Context) {
	instanceKey := allocatedPrefix + a.instanceID
	ports, err := a.client.SMembers(ctx, instanceKey).Result()
	if err != nil {
		a.log.Warnw("failed to check crashed-instance ports", "instance", a.instanceID, "err", err)
		return
	}
	if len(ports) == 0 {
		return
	}
	a.log.Warnw("reclaiming ports from crashed instance", "instance", a.instanceID, "count", len(ports))
	for _, ps := range ports {
		port, err := strconv.Atoi(ps)
		if err != nil {
			continue
		}
		if _, err := releaseScript.Run(ctx, a.client, []string{availableKey, instanceKey}, port).Result(); err != nil {
			a.log.Warnw("failed to reclaim port", "port", port, "err", err)
		}
	}
}

// ReleaseAll releases every port this instance holds, for graceful
// shutdown.
func (a *Allocator) ReleaseAll(ctx context.Context) {
	if a.client == nil {
		return
	}
	instanceKey := allocatedPrefix + a.instanceID
	ports, err := a.client.SMembers(ctx, instanceKey).Result()
	if err != nil {
		a.log.Errorw("failed to list allocated ports for release", "err", err)
		return
	}
	for _, ps := range ports {
		port, err := strconv.Atoi(ps)
		if err != nil {
			continue
		}
		a.Release(ctx, port)
	}
	a.client.Del(ctx, instanceKey)
	a.log.Infow("released all ports on shutdown", "instance", a.instanceID, "count", len(ports))
}
