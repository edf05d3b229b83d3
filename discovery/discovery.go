// Package discovery finds peers of a room: from a fixed address list or
// by multicast DNS on the local network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/drpcorg/scenesync/utils"
	"github.com/grandcat/zeroconf"
)

// Discoverer reports peer addresses of a room until ctx is done. The
// same address may be reported many times, possibly from several
// goroutines; the caller deduplicates.
type Discoverer interface {
	Discover(ctx context.Context, room string, found func(addr string)) error
}

// Static reports a fixed list of addresses, and again every Interval
// until ctx is done, so a peer given up on is tried later. A zero
// Interval reports the list once.
type Static struct {
	Addrs    []string
	Interval time.Duration
}

func (s Static) Discover(ctx context.Context, room string, found func(addr string)) error {
	for {
		for _, addr := range s.Addrs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			found(addr)
		}
		if s.Interval <= 0 {
			return nil
		}
		timer := time.NewTimer(s.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Multi runs discoverers side by side and returns once all of them are
// done.
type Multi []Discoverer

func (m Multi) Discover(ctx context.Context, room string, found func(addr string)) error {
	var wg sync.WaitGroup
	errs := make([]error, len(m))
	for i, d := range m {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = d.Discover(ctx, room, found)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

const (
	DefaultService  = "_scenesync._tcp"
	DefaultDomain   = "local."
	DefaultInterval = 15 * time.Second
)

// MDNS announces this replica's listener and browses for other replicas
// announcing the same room. Rooms are told apart by a hash in the TXT
// record, so room names do not leak onto the network.
type MDNS struct {
	Service  string
	Domain   string
	Instance string
	// Port of the local listener to announce; zero browses only.
	Port     int
	Scheme   string
	// Path of a websocket listener, like "/sync".
	Path     string
	Interval time.Duration
	Log      utils.Logger
}

func roomTag(room string) string {
	return fmt.Sprintf("room=%016x", xxhash.Sum64String(room))
}

func (m *MDNS) setDefaults() {
	if m.Service == "" {
		m.Service = DefaultService
	}
	if m.Domain == "" {
		m.Domain = DefaultDomain
	}
	if m.Scheme == "" {
		m.Scheme = "tcp"
	}
	if m.Interval <= 0 {
		m.Interval = DefaultInterval
	}
}

func (m *MDNS) Discover(ctx context.Context, room string, found func(addr string)) error {
	m.setDefaults()
	if m.Port > 0 {
		server, err := zeroconf.Register(m.Instance, m.Service, m.Domain, m.Port,
			[]string{"txtv=1", roomTag(room), "scheme=" + m.Scheme, "path=" + m.Path}, nil)
		if err != nil {
			return fmt.Errorf("discovery: mdns register: %w", err)
		}
		defer server.Shutdown()
		m.Log.Info("discovery: mdns announced", "service", m.Service, "port", m.Port)
	}
	for ctx.Err() == nil {
		if err := m.browse(ctx, room, found); err != nil {
			m.Log.Warn("discovery: mdns browse failed", "err", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(m.Interval / 4):
		}
	}
	return nil
}

func (m *MDNS) browse(ctx context.Context, room string, found func(addr string)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	bctx, cancel := context.WithTimeout(ctx, m.Interval)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			for _, addr := range m.addrs(entry, room) {
				found(addr)
			}
		}
	}()
	if err = resolver.Browse(bctx, m.Service, m.Domain, entries); err != nil {
		return err
	}
	<-bctx.Done()
	<-done
	return nil
}

// addrs lists the dialable addresses of an entry that announces room and
// is not this replica.
func (m *MDNS) addrs(entry *zeroconf.ServiceEntry, room string) (ret []string) {
	if entry == nil || entry.Instance == m.Instance || !slices.Contains(entry.Text, roomTag(room)) {
		return nil
	}
	scheme, path := "tcp", ""
	for _, txt := range entry.Text {
		if val, ok := strings.CutPrefix(txt, "scheme="); ok && val != "" {
			scheme = val
		}
		if val, ok := strings.CutPrefix(txt, "path="); ok {
			path = val
		}
	}
	port := strconv.Itoa(entry.Port)
	for _, ip := range slices.Concat(entry.AddrIPv4, entry.AddrIPv6) {
		ret = append(ret, scheme+"://"+net.JoinHostPort(ip.String(), port)+path)
	}
	return
}
