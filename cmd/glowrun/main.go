// glowrun loads a runtime configuration, registers its networks and drives a
// batch of runs against each one, reporting the device table at the end.
//
// Usage:
//
//	glowrun [flags] <config.hcl>
//
// The networks execute on the passthrough code generator, so glowrun
// exercises partitioning, provisioning, scheduling and admission control
// without real kernels.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/jygan/glow/codegen/passthrough"
	"github.com/jygan/glow/config"
	"github.com/jygan/glow/executor"
	"github.com/jygan/glow/host"
	"github.com/jygan/glow/tensors"
	"github.com/jygan/glow/types/xsync"
)

var flagRuns = flag.Int("runs", 32, "Number of runs to execute per configured network.")

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one configuration file. See 'glowrun -help'.")
		os.Exit(1)
	}
	cfg := must.M1(config.Load(args[0]))
	if len(cfg.Networks) == 0 {
		klog.Errorf("Configuration %q defines no networks to run.", args[0])
		os.Exit(1)
	}

	manager := must.M1(host.New(host.Config{
		MaxActiveRuns: cfg.Host.MaxActiveRuns,
		DrainTimeout:  cfg.Host.DrainTimeout,
		Compiler:      passthrough.Compiler{},
	}))
	for _, network := range cfg.Networks {
		must.M(manager.AddNetwork(network.Name, network.Graph, network.Devices))
		fmt.Printf("registered network %q: %d nodes on %d device(s)\n",
			network.Name, len(network.Graph.TopoOrder()), len(network.Devices))
	}

	for _, network := range cfg.Networks {
		runNetwork(manager, network, *flagRuns)
	}

	printDeviceStatus(manager.DeviceStatus())
	must.M(manager.Close())
}

// runNetwork fires count runs at the network, retrying briefly when the host
// rejects on admission, and waits for all of them to complete.
func runNetwork(manager *host.Manager, network config.Network, count int) {
	inputs := network.Graph.Inputs()
	bar := progressbar.NewOptions(count,
		progressbar.OptionSetDescription(network.Name),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("runs"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)

	var failures atomic.Int32
	var mu sync.Mutex
	var firstErr error
	pending := xsync.NewDynamicWaitGroup()
	for i := 0; i < count; i++ {
		bindings := tensors.NewBindings()
		for _, name := range inputs {
			bindings.Set(name, tensors.Scalar(float32(i)))
		}
		pending.Add(1)
		for {
			_, err := manager.Run(network.Name, bindings, func(id executor.RunID, b *tensors.Bindings, err error) {
				if err != nil {
					failures.Add(1)
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
				_ = bar.Add(1)
				pending.Done()
			})
			if err == nil {
				break
			}
			if errors.Is(err, host.ErrAdmissionRejected) {
				time.Sleep(time.Millisecond)
				continue
			}
			must.M(err)
		}
	}
	pending.Wait()
	_ = bar.Finish()
	fmt.Println()

	if n := failures.Load(); n > 0 {
		klog.Errorf("network %q: %d of %d runs failed, first error: %v", network.Name, n, count, firstErr)
		return
	}
	fmt.Printf("network %q: %d runs ok\n", network.Name, count)
}
