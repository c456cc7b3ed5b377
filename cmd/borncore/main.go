// Package main provides the borncore CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/born-ml/borncore/internal/backend/blas"
	"github.com/born-ml/borncore/internal/backend/webgpu"
	"github.com/born-ml/borncore/internal/config"
	"github.com/born-ml/borncore/internal/graph"
	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/nn"
	"github.com/born-ml/borncore/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const version = "v0.0.1-dev"

func main() {
	klog.InitFlags(nil)
	configPath := flag.String("config", "", "path to a YAML config file")
	steps := flag.Int("steps", 3, "number of session runs in the demo")
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	cmd := flag.Arg(0)
	if cmd == "version" {
		fmt.Printf("borncore %s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		klog.ErrorS(err, "Failed to load config")
		klog.Flush()
		os.Exit(1)
	}

	registry, err := newRegistry(cfg)
	if err != nil {
		klog.ErrorS(err, "Failed to register kernels")
		klog.Flush()
		os.Exit(1)
	}

	switch cmd {
	case "kernels":
		printKernels(registry)
	case "run":
		if err := runDemo(context.Background(), cfg, registry, *steps); err != nil {
			klog.ErrorS(err, "Demo failed")
			klog.Flush()
			os.Exit(1)
		}
	default:
		usage()
	}
}

func usage() {
	fmt.Printf("borncore %s\n\n", version)
	fmt.Println("Usage: borncore [flags] <command>")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  version    Show version")
	fmt.Println("  kernels    List registered accelerated kernels")
	fmt.Println("  run        Run a BatchNorm -> Relu -> LSTM step graph")
	fmt.Println("")
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	// An explicit -v flag wins over the file.
	if f := flag.Lookup("v"); f != nil && f.Value.String() == "0" && cfg.Logging.Verbosity > 0 {
		_ = f.Value.Set(strconv.Itoa(cfg.Logging.Verbosity))
	}
	return cfg, nil
}

func newRegistry(cfg *config.Config) (*kernel.Registry, error) {
	registry := kernel.NewRegistry(cfg.KernelConfig())
	if err := webgpu.Register(registry); err != nil {
		return nil, err
	}
	if err := blas.Register(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

func printKernels(registry *kernel.Registry) {
	for _, op := range []kernel.OpKind{kernel.OpBatchNorm, kernel.OpLSTM} {
		fmt.Printf("%-10s", op)
		for _, b := range registry.Capabilities(op) {
			fmt.Printf(" %s", b)
		}
		fmt.Println(" reference")
	}
}

const (
	demoBatch    = 4
	demoFeatures = 3
	demoHidden   = 5
)

func runDemo(ctx context.Context, cfg *config.Config, registry *kernel.Registry, steps int) error {
	par := nn.WithParallel(cfg.ParallelConfig())

	bn, err := nn.NewBatchNorm(nn.DefaultBatchNormConfig(demoFeatures), tensor.Float32, registry, par)
	if err != nil {
		return err
	}
	defer bn.Release()
	stats, err := nn.NewRunningStats(demoFeatures, tensor.Float32)
	if err != nil {
		return err
	}
	defer stats.Release()

	lstm, err := nn.NewLSTM(nn.DefaultLSTMConfig(demoFeatures, demoHidden), tensor.Float32, registry, par)
	if err != nil {
		return err
	}
	defer lstm.Release()
	for i, p := range lstm.Parameters() {
		if err := p.Tensor().SetFloat64s(wave(p.Tensor().NumElements(), 0.3, float64(i))); err != nil {
			return err
		}
	}

	ops := graph.NewOpRegistry()
	relu, _ := ops.Lookup("Relu")
	g, err := graph.NewBuilder().
		Placeholder("x", tensor.Float32, tensor.Shape{-1, demoFeatures}).
		Node("bn", &nn.BatchNormOp{Layer: bn, Training: true, Stats: stats}, []string{"x"}, []string{"xn"}).
		Node("relu", relu, []string{"xn"}, []string{"xr"}).
		Node("lstm", &nn.LSTMOp{Layer: lstm, Mode: nn.LSTMStep}, []string{"xr"}, []string{"h"}).
		Build()
	if err != nil {
		return err
	}

	sess, err := graph.NewSession(g, []string{"h"})
	if err != nil {
		return err
	}
	defer sess.Close()

	for step := 0; step < steps; step++ {
		x, err := tensor.FromFloat64s(tensor.Shape{demoBatch, demoFeatures}, tensor.Float32,
			wave(demoBatch*demoFeatures, 2, float64(step)))
		if err != nil {
			return err
		}
		out, err := sess.Run(ctx, map[string]*tensor.RawTensor{"x": x})
		x.Release()
		if err != nil {
			return errors.Wrapf(err, "step %d", step)
		}
		h := out["h"]
		fmt.Printf("step %d: h%v = %.4f\n", step, h.Shape(), h.Float64s())
		h.Release()

		st := sess.Stats()
		klog.V(1).InfoS("Run finished", "run", st.RunID, "executed", st.Executed,
			"released", st.Released, "peakBytes", st.PeakLiveBytes, "duration", st.Duration)
	}

	fmt.Printf("lstm phase: %s\n", lstm.Phase())
	diags := sess.Diagnostics()
	for _, node := range sess.Order() {
		d, ok := diags[node]
		if !ok {
			continue
		}
		fmt.Printf("%-5s negotiated=%s last=%s calls=%d fallbacks=%d scratch=%dB\n",
			node, d.Negotiated, d.LastBackend, d.Calls, d.Fallbacks, d.ScratchBytes)
	}
	return nil
}

// wave returns deterministic demo values.
func wave(n int, scale, phase float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = scale * math.Sin(float64(i)*0.61+phase)
	}
	return out
}
