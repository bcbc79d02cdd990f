package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Consumer strategies.
const (
	StrategyBlocking = "blocking"
	StrategyNotified = "notified"
)

// Handler names bindable in a topology.
const (
	HandlerGenerate  = "generate"
	HandlerStatus    = "status"
	HandlerThumbnail = "thumbnail"
)

// StreamBinding maps one stream and group to a handler and a consumption
// strategy.
type StreamBinding struct {
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Handler  string `yaml:"handler"`
	Strategy string `yaml:"strategy"`
}

// Topology describes which streams this process consumes and how.
type Topology struct {
	Bindings []StreamBinding `yaml:"bindings"`
}

// DefaultTopology returns the compiled-in topology: generation requests on a
// blocking consumer (latency matters, traffic is steady), status and
// thumbnail on notified consumers (bursty, mostly idle).
func DefaultTopology() *Topology {
	return &Topology{
		Bindings: []StreamBinding{
			{Stream: StreamGenerate, Group: GroupGenerate, Handler: HandlerGenerate, Strategy: StrategyBlocking},
			{Stream: StreamStatus, Group: GroupStatus, Handler: HandlerStatus, Strategy: StrategyNotified},
			{Stream: StreamThumbnail, Group: GroupThumbnail, Handler: HandlerThumbnail, Strategy: StrategyNotified},
		},
	}
}

// LoadTopology reads a topology from a YAML file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}

	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse topology file: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks the topology for completeness and known names.
func (t *Topology) Validate() error {
	if len(t.Bindings) == 0 {
		return fmt.Errorf("topology has no bindings")
	}

	seen := make(map[string]bool)
	for i, b := range t.Bindings {
		if b.Stream == "" || b.Group == "" {
			return fmt.Errorf("binding %d: stream and group are required", i)
		}
		key := b.Stream + "/" + b.Group
		if seen[key] {
			return fmt.Errorf("binding %d: duplicate stream/group %s", i, key)
		}
		seen[key] = true

		switch b.Handler {
		case HandlerGenerate, HandlerStatus, HandlerThumbnail:
		default:
			return fmt.Errorf("binding %d: unknown handler %q", i, b.Handler)
		}
		switch b.Strategy {
		case StrategyBlocking, StrategyNotified:
		default:
			return fmt.Errorf("binding %d: unknown strategy %q", i, b.Strategy)
		}
	}
	return nil
}
