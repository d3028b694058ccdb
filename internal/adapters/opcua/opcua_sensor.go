package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/benschg/rasperature/internal/ports"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint        string       `yaml:"endpoint"`
	Username        string       `yaml:"username"`
	Password        string       `yaml:"password"`
	SecurityMode    string       `yaml:"security_mode"`
	SecurityPolicy  string       `yaml:"security_policy"`
	ApplicationName string       `yaml:"application_name"`
	Nodes           []NodeConfig `yaml:"nodes"`
}

// NodeConfig maps one OPC UA node to a metric of the reading.
type NodeConfig struct {
	NodeID string `yaml:"node_id"`
	Metric string `yaml:"metric"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "rasperature edge"
	}
	for i := range c.Nodes {
		if c.Nodes[i].Metric == "" {
			c.Nodes[i].Metric = "value"
		}
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node must be configured")
	}
	seen := make(map[string]struct{}, len(c.Nodes))
	for _, n := range c.Nodes {
		if _, err := parseNodeID(n.NodeID); err != nil {
			return err
		}
		if _, dup := seen[n.Metric]; dup {
			return fmt.Errorf("metric %q mapped twice", n.Metric)
		}
		seen[n.Metric] = struct{}{}
	}
	return nil
}

var nodeIDPrefixes = []string{"ns=", "i=", "s=", "g=", "b="}

// parseNodeID accepts only the explicit string forms. ua.ParseNodeID treats
// any unprefixed text as a string identifier, which hides typos.
func parseNodeID(s string) (*ua.NodeID, error) {
	known := false
	for _, p := range nodeIDPrefixes {
		if strings.HasPrefix(s, p) {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("parse node id %q: want ns=, i=, s=, g= or b= form", s)
	}
	id, err := ua.ParseNodeID(s)
	if err != nil {
		return nil, fmt.Errorf("parse node id %q: %w", s, err)
	}
	return id, nil
}

// Sensor reads a fixed set of nodes in one request per poll. The session is
// opened on the first read and kept for later polls.
type Sensor struct {
	cfg   Config
	nodes []*ua.NodeID

	mu     sync.Mutex
	client *opcua.Client
}

func NewSensor(cfg Config) (*Sensor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nodes := make([]*ua.NodeID, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		id, err := parseNodeID(n.NodeID)
		if err != nil {
			return nil, err
		}
		nodes[i] = id
	}
	return &Sensor{cfg: cfg, nodes: nodes}, nil
}

func (s *Sensor) Read(ctx context.Context) (map[string]float64, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	req := &ua.ReadRequest{
		MaxAge:             2000,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead:        make([]*ua.ReadValueID, len(s.nodes)),
	}
	for i, id := range s.nodes {
		req.NodesToRead[i] = &ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeIDValue}
	}

	resp, err := client.Read(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("opcua read: %w", err)
	}
	if len(resp.Results) != len(s.nodes) {
		return nil, fmt.Errorf("opcua read: expected %d results, got %d", len(s.nodes), len(resp.Results))
	}

	values := make(map[string]float64, len(s.nodes))
	for i, res := range resp.Results {
		node := s.cfg.Nodes[i]
		if res.Status != ua.StatusOK {
			return nil, fmt.Errorf("node %s: %s", node.NodeID, res.Status)
		}
		fv, ok := variantToFloat(res.Value)
		if !ok {
			return nil, fmt.Errorf("node %s: unsupported type %T", node.NodeID, res.Value.Value())
		}
		values[node.Metric] = fv
	}
	return values, nil
}

func (s *Sensor) connect(ctx context.Context) (*opcua.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	client, err := opcua.NewClient(s.cfg.Endpoint, s.buildClientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua connect: %w", err)
	}
	s.client = client
	return client, nil
}

// Close ends the session if one was opened.
func (s *Sensor) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Sensor) buildClientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(s.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(s.cfg.SecurityPolicy)),
		opcua.ApplicationName(s.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}

	if s.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(s.cfg.Username, s.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.Sensor = (*Sensor)(nil)
