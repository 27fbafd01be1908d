package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/sdrflow/dataplane/internal/dataplane"
	"github.com/sdrflow/dataplane/internal/endpoint"
)

// Scenario describes one circuit to build and the traffic to push through it.
type Scenario struct {
	Name     string `yaml:"name"`
	Protocol string `yaml:"protocol"`
	Outputs  int    `yaml:"outputs"`
	Inputs   int    `yaml:"inputs"`
	Count    int    `yaml:"count"`
	Size     uint32 `yaml:"size"`
	// Messages is sent by every output port.
	Messages int `yaml:"messages"`
	// Length is the payload length of each message; zero fills the buffer.
	Length uint32 `yaml:"length"`

	OutputDist      string `yaml:"output_dist"`
	InputDist       string `yaml:"input_dist"`
	InputPartition  string `yaml:"input_partition"`
	WholeOutputSet  bool   `yaml:"whole_output_set"`
	FlowControlPull bool   `yaml:"flow_control_pull"`
}

type scenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// defaultScenarios exercises every pattern over the local driver.
func defaultScenarios() []Scenario {
	return []Scenario{
		{Name: "pattern1", Outputs: 1, Inputs: 1, Count: 4, Size: 4096, Messages: 2000},
		{Name: "pattern1-afc", Outputs: 1, Inputs: 1, Count: 4, Size: 4096, Messages: 2000, FlowControlPull: true},
		{Name: "pattern2", Outputs: 1, Inputs: 3, Count: 4, Size: 4096, Messages: 2000, InputDist: "sequential"},
		{Name: "pattern3", Outputs: 3, Inputs: 2, Count: 4, Size: 4096, Messages: 1000, OutputDist: "sequential", InputDist: "sequential"},
		{Name: "pattern4", Outputs: 1, Inputs: 4, Count: 4, Size: 16384, Messages: 1000, InputPartition: "block"},
	}
}

func loadScenarios(path string) ([]Scenario, error) {
	if path == "" {
		return defaultScenarios(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f scenarioFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Scenarios) == 0 {
		return nil, fmt.Errorf("%s: no scenarios", path)
	}
	for i := range f.Scenarios {
		if err := f.Scenarios[i].normalize(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return f.Scenarios, nil
}

func (s *Scenario) normalize() error {
	if s.Name == "" {
		s.Name = "unnamed"
	}
	if s.Outputs <= 0 {
		s.Outputs = 1
	}
	if s.Inputs <= 0 {
		s.Inputs = 1
	}
	if s.Messages <= 0 {
		return fmt.Errorf("scenario %s: messages must be positive", s.Name)
	}
	if _, err := s.Topology(); err != nil {
		return fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	return nil
}

// Topology maps the scenario's distribution fields onto a circuit topology.
func (s Scenario) Topology() (dataplane.Topology, error) {
	var topo dataplane.Topology
	var err error
	if topo.OutputDist, err = parseDist(s.OutputDist); err != nil {
		return topo, err
	}
	if topo.InputDist, err = parseDist(s.InputDist); err != nil {
		return topo, err
	}
	switch strings.ToLower(s.InputPartition) {
	case "", "indivisible":
		topo.InputPartition = dataplane.Indivisible
	case "block":
		topo.InputPartition = dataplane.Block
	default:
		return topo, fmt.Errorf("unknown partition %q", s.InputPartition)
	}
	topo.WholeOutputSet = s.WholeOutputSet
	return topo, nil
}

func (s Scenario) portOptions(output bool) dataplane.PortOptions {
	opts := dataplane.PortOptions{Protocol: s.Protocol}
	if output && s.FlowControlPull {
		opts.Role = endpoint.ActiveFlowControl
	}
	return opts
}

func parseDist(v string) (dataplane.Distribution, error) {
	switch strings.ToLower(v) {
	case "", "parallel":
		return dataplane.Parallel, nil
	case "sequential":
		return dataplane.Sequential, nil
	}
	return 0, fmt.Errorf("unknown distribution %q", v)
}

// expected is how many buffers the inputs receive in total once every
// output has sent its messages through a circuit of the given pattern.
// Each sender's last message carries end-of-data, which sequential
// patterns broadcast to every input.
func (s Scenario) expected(pattern string) int {
	senders := s.Outputs
	if s.WholeOutputSet {
		senders = 1
	}
	sent := senders * s.Messages
	switch pattern {
	case "2", "3":
		return sent + senders*(s.Inputs-1)
	default:
		return sent * s.Inputs
	}
}
