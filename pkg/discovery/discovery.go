package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"tarun-kavipurapu/p2p-chunknet/pkg/logger"
)

const (
	// ServiceType is the mDNS service type a tracker advertises
	ServiceType = "_p2p-chunknet._tcp"
	Domain      = "local."

	// RoleKey is the TXT key carrying the node role.
	RoleKey     = "role"
	RoleTracker = "tracker"
	// WirePortKey carries the tracker's wire protocol port.
	WirePortKey = "wire_port"
)

// ServiceInfo contains information about a discovered service
type ServiceInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// URL returns the HTTP base URL of the service's first IPv4 address.
func (s *ServiceInfo) URL() string {
	if len(s.IPs) == 0 {
		return ""
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(s.IPs[0], fmt.Sprint(s.Port)))
}

// Advertiser handles service broadcasting
type Advertiser struct {
	server *zeroconf.Server
}

// Resolver handles service discovery
type Resolver struct {
	resolver *zeroconf.Resolver
}

func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start begins broadcasting the service. An empty instanceName is derived
// from the hostname.
func (a *Advertiser) Start(instanceName string, port int, meta map[string]string) error {
	if instanceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			instanceName = "p2p-tracker"
		} else {
			instanceName = fmt.Sprintf("p2p-tracker-%s", hostname)
		}
	}

	var txtRecords []string
	for k, v := range meta {
		txtRecords = append(txtRecords, fmt.Sprintf("%s=%s", k, v))
	}

	server, err := zeroconf.Register(instanceName, ServiceType, Domain, port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	a.server = server
	return nil
}

// Stop stops broadcasting the service
func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func NewResolver() (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: resolver}, nil
}

// Browse scans for services until the context is canceled. Entries without
// an IPv4 address are skipped.
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *ServiceInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				info := toServiceInfo(entry)
				if len(info.IPs) == 0 {
					continue
				}
				logger.Sugar.Infof("[Discovery] discovered service: instance=%s ips=%v port=%d", info.InstanceName, info.IPs, info.Port)
				select {
				case results <- info:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return results, nil
}

func toServiceInfo(entry *zeroconf.ServiceEntry) *ServiceInfo {
	info := &ServiceInfo{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          make([]string, 0, len(entry.AddrIPv4)),
		Meta:         ParseTXT(entry.Text),
	}
	for _, ip := range entry.AddrIPv4 {
		info.IPs = append(info.IPs, ip.String())
	}
	return info
}

// ParseTXT turns "k=v" TXT records into a map. Records without "=" are
// ignored.
func ParseTXT(records []string) map[string]string {
	meta := make(map[string]string, len(records))
	for _, record := range records {
		k, v, ok := strings.Cut(record, "=")
		if ok {
			meta[k] = v
		}
	}
	return meta
}

// ErrNoTracker is returned when no tracker answered within the timeout.
var ErrNoTracker = errors.New("no tracker found via mDNS")

// FindTracker browses for a service whose role is tracker and returns the
// first one found.
func FindTracker(ctx context.Context, timeout time.Duration) (*ServiceInfo, error) {
	resolver, err := NewResolver()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch, err := resolver.Browse(ctx)
	if err != nil {
		return nil, err
	}
	for info := range ch {
		if info.Meta[RoleKey] == RoleTracker {
			return info, nil
		}
	}
	return nil, ErrNoTracker
}

// LANAddress returns the IPv4 address this host would use for outbound
// traffic, or 127.0.0.1 when there is no route. No packet is sent.
func LANAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() != nil {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
