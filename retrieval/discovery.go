package retrieval

import (
	"context"
	"encoding/json"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/go-zookeeper/zk"
	etcdclient "go.etcd.io/etcd/client/v3"
)

// v2Entry is the wire shape a retrieval API may return for a registered
// source when it speaks the "v2" discovery format (spec.md §4.5).
type v2Entry struct {
	ID              string `json:"id"`
	Label           string `json:"label"`
	Description     string `json:"description"`
	ComplianceLevel string `json:"compliance_level"`
}

func decodeV2Entries(raw []byte) ([]SourceDescriptor, error) {
	var entries []v2Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode v2 source entries: %w", err)
	}
	out := make([]SourceDescriptor, len(entries))
	for i, e := range entries {
		out[i] = SourceDescriptor{ID: e.ID, Label: e.Label, Description: e.Description, ComplianceLevel: e.ComplianceLevel}
	}
	return out, nil
}

// ConsulDiscoverer lists sources registered as key/value entries under a
// Consul KV prefix.
type ConsulDiscoverer struct {
	client *consulapi.Client
	prefix string
}

func NewConsulDiscoverer(cfg *consulapi.Config, prefix string) (*ConsulDiscoverer, error) {
	c, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulDiscoverer{client: c, prefix: prefix}, nil
}

func (d *ConsulDiscoverer) Discover(ctx context.Context, _ string) ([]SourceDescriptor, error) {
	pairs, _, err := d.client.KV().List(d.prefix, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul kv list %q: %w", d.prefix, err)
	}
	var out []SourceDescriptor
	for _, p := range pairs {
		descs, err := decodeV2Entries(p.Value)
		if err != nil {
			continue
		}
		out = append(out, descs...)
	}
	return out, nil
}

// EtcdDiscoverer lists sources registered under an etcd key prefix.
type EtcdDiscoverer struct {
	client *etcdclient.Client
	prefix string
}

func NewEtcdDiscoverer(client *etcdclient.Client, prefix string) *EtcdDiscoverer {
	return &EtcdDiscoverer{client: client, prefix: prefix}
}

func (d *EtcdDiscoverer) Discover(ctx context.Context, _ string) ([]SourceDescriptor, error) {
	resp, err := d.client.Get(ctx, d.prefix, etcdclient.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get %q: %w", d.prefix, err)
	}
	var out []SourceDescriptor
	for _, kv := range resp.Kvs {
		descs, err := decodeV2Entries(kv.Value)
		if err != nil {
			continue
		}
		out = append(out, descs...)
	}
	return out, nil
}

// ZKDiscoverer lists sources registered as children of a Zookeeper path,
// each child's data holding the v2 entry JSON.
type ZKDiscoverer struct {
	conn *zk.Conn
	path string
}

func NewZKDiscoverer(conn *zk.Conn, path string) *ZKDiscoverer {
	return &ZKDiscoverer{conn: conn, path: path}
}

func (d *ZKDiscoverer) Discover(_ context.Context, _ string) ([]SourceDescriptor, error) {
	children, _, err := d.conn.Children(d.path)
	if err != nil {
		return nil, fmt.Errorf("zk children %q: %w", d.path, err)
	}
	var out []SourceDescriptor
	for _, child := range children {
		data, _, err := d.conn.Get(d.path + "/" + child)
		if err != nil {
			continue
		}
		descs, err := decodeV2Entries(data)
		if err != nil {
			continue
		}
		out = append(out, descs...)
	}
	return out, nil
}
