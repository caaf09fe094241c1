// Package config loads a runtime configuration from an HCL file: host
// limits, device specs and optionally the networks to register. Byte sizes
// are accepted either as plain numbers or humanized strings ("512MB").
package config

import (
	"math/big"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"k8s.io/klog/v2"

	"github.com/jygan/glow/devices"
	"github.com/jygan/glow/graph"
)

// Config is a fully resolved runtime configuration.
type Config struct {
	Host Host

	// Devices in declaration order.
	Devices []devices.Spec

	// Networks in declaration order, graphs finalized.
	Networks []Network
}

// Host carries the host-manager limits. Zero values select the host
// package's defaults.
type Host struct {
	MaxActiveRuns int
	DrainTimeout  time.Duration
}

// Network pairs a finalized graph with the devices it may be placed on.
type Network struct {
	Name    string
	Graph   *graph.Graph
	Devices []devices.Spec
}

// The hcl-tagged mirror of the file layout.
type rootFile struct {
	Host     *hostBlock      `hcl:"host,block"`
	Devices  []*deviceBlock  `hcl:"device,block"`
	Networks []*networkBlock `hcl:"network,block"`
}

type hostBlock struct {
	MaxActiveRuns int    `hcl:"max_active_runs,optional"`
	DrainTimeout  string `hcl:"drain_timeout,optional"`
}

type deviceBlock struct {
	Name           string    `hcl:"name,label"`
	Backend        string    `hcl:"backend"`
	Memory         cty.Value `hcl:"memory"`
	MaxConcurrency int       `hcl:"max_concurrency,optional"`
	Kind           string    `hcl:"kind,optional"`
}

type networkBlock struct {
	Name    string       `hcl:"name,label"`
	Devices []string     `hcl:"devices"`
	Nodes   []*nodeBlock `hcl:"node,block"`
}

type nodeBlock struct {
	Name      string    `hcl:"name,label"`
	Inputs    []string  `hcl:"inputs,optional"`
	Outputs   []string  `hcl:"outputs"`
	Footprint cty.Value `hcl:"footprint"`
	Kinds     []string  `hcl:"kinds,optional"`
}

// Load parses and resolves the HCL file at path.
func Load(path string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "parsing %s", path)
	}
	var root rootFile
	if diags = gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, errors.Wrapf(diags, "decoding %s", path)
	}

	cfg := &Config{}
	if root.Host != nil {
		cfg.Host.MaxActiveRuns = root.Host.MaxActiveRuns
		if root.Host.DrainTimeout != "" {
			d, err := time.ParseDuration(root.Host.DrainTimeout)
			if err != nil {
				return nil, errors.Wrapf(err, "%s: host.drain_timeout", path)
			}
			cfg.Host.DrainTimeout = d
		}
	}

	specByName := make(map[string]devices.Spec, len(root.Devices))
	for _, block := range root.Devices {
		if _, dup := specByName[block.Name]; dup {
			return nil, errors.Errorf("%s: duplicate device %q", path, block.Name)
		}
		memory, err := byteSize(block.Memory)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: device %q memory", path, block.Name)
		}
		spec := devices.Spec{
			Name:           block.Name,
			Backend:        block.Backend,
			Kind:           block.Kind,
			MemoryBytes:    memory,
			MaxConcurrency: block.MaxConcurrency,
		}
		if err := spec.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "%s", path)
		}
		specByName[block.Name] = spec
		cfg.Devices = append(cfg.Devices, spec)
	}

	for _, block := range root.Networks {
		network, err := resolveNetwork(block, specByName)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: network %q", path, block.Name)
		}
		cfg.Networks = append(cfg.Networks, network)
	}

	klog.V(1).Infof("config: loaded %s: %d devices, %d networks",
		path, len(cfg.Devices), len(cfg.Networks))
	return cfg, nil
}

func resolveNetwork(block *networkBlock, specByName map[string]devices.Spec) (Network, error) {
	network := Network{Name: block.Name}
	if len(block.Devices) == 0 {
		return network, errors.Errorf("names no devices")
	}
	for _, name := range block.Devices {
		spec, known := specByName[name]
		if !known {
			return network, errors.Errorf("references unknown device %q", name)
		}
		network.Devices = append(network.Devices, spec)
	}

	g := graph.New(block.Name)
	for _, node := range block.Nodes {
		footprint, err := byteSize(node.Footprint)
		if err != nil {
			return network, errors.WithMessagef(err, "node %q footprint", node.Name)
		}
		err = g.AddNode(&graph.Node{
			Name:           node.Name,
			Inputs:         node.Inputs,
			Outputs:        node.Outputs,
			FootprintBytes: footprint,
			Kinds:          node.Kinds,
		})
		if err != nil {
			return network, err
		}
	}
	if err := g.Finalize(); err != nil {
		return network, err
	}
	network.Graph = g
	return network, nil
}

// byteSize resolves a size attribute that is either a humanized string
// ("512MB", "1.5GiB") or a plain non-negative integral number of bytes.
func byteSize(v cty.Value) (uint64, error) {
	switch {
	case v.IsNull():
		return 0, errors.Errorf("byte size must not be null")
	case v.Type() == cty.String:
		size, err := humanize.ParseBytes(v.AsString())
		if err != nil {
			return 0, errors.Wrapf(err, "invalid byte size %q", v.AsString())
		}
		return size, nil
	case v.Type() == cty.Number:
		f := v.AsBigFloat()
		size, accuracy := f.Uint64()
		if accuracy != big.Exact {
			return 0, errors.Errorf("byte size must be a non-negative integer, got %s", f.String())
		}
		return size, nil
	default:
		return 0, errors.Errorf("byte size must be a string or a number, got %s", v.Type().FriendlyName())
	}
}
