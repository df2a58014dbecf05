// Package ortnative delegates whole-model optimization to ONNX Runtime's own
// graph optimizer instead of running the pass pipeline in package optimizer.
//
// The native optimizer is treated as an opaque black box: given a model file,
// a target-execution flag and an output path, it writes an optimized model
// file. Its internal pass set differs from ours (it may pick FastGelu where we
// pick BiasGelu, for example), so the contract is "equivalent, not
// identical" — both entry points are validated against the same reference
// node-count tables, not against each other's output bytes.
package ortnative

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
)

// Runner invokes a native optimizer over a model file. The default runner
// shells out to ONNX Runtime's Python session API; tests substitute their
// own.
type Runner interface {
	Run(ctx context.Context, modelPath string, useGPU bool, outputPath string) error
}

// Optimizer is the framework-native optimization entry point.
type Optimizer struct {
	runner Runner
}

// New returns an Optimizer backed by the default ONNX Runtime session runner.
func New() *Optimizer {
	return &Optimizer{runner: &sessionRunner{}}
}

// NewWith returns an Optimizer backed by a custom runner.
func NewWith(r Runner) *Optimizer {
	return &Optimizer{runner: r}
}

// Optimize runs the native optimizer over the model at modelPath and writes
// the optimized model to outputPath. When the ONNX Runtime shared library is
// available (ORT_SO_PATH is set), the written model is loaded back once to
// check it is well formed.
func (o *Optimizer) Optimize(ctx context.Context, modelPath string, useGPU bool, outputPath string) error {
	if modelPath == "" || outputPath == "" {
		return errors.New("ortnative: model and output paths must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return errors.Wrapf(err, "ortnative: cannot read model %q", modelPath)
	}
	if err := o.runner.Run(ctx, modelPath, useGPU, outputPath); err != nil {
		return errors.WithMessagef(err, "ortnative: native optimization of %q failed", modelPath)
	}
	klog.V(1).Infof("native optimizer wrote %q (use_gpu=%v)", outputPath, useGPU)

	if os.Getenv("ORT_SO_PATH") == "" {
		return nil
	}
	return verifyLoadable(outputPath, useGPU)
}

// sessionRunner drives ONNX Runtime through its Python session API: creating
// an InferenceSession with optimized_model_filepath set makes the runtime
// write the post-optimization graph to disk. The Go binding does not expose
// that session option, so this goes through the interpreter.
type sessionRunner struct{}

const optimizeScript = `
import sys
import onnxruntime as rt

model_path, use_gpu, output_path = sys.argv[1], sys.argv[2] == "1", sys.argv[3]
opts = rt.SessionOptions()
opts.graph_optimization_level = rt.GraphOptimizationLevel.ORT_ENABLE_EXTENDED
opts.optimized_model_filepath = output_path
providers = ["CUDAExecutionProvider"] if use_gpu else ["CPUExecutionProvider"]
rt.InferenceSession(model_path, sess_options=opts, providers=providers)
`

func (*sessionRunner) Run(ctx context.Context, modelPath string, useGPU bool, outputPath string) error {
	gpuArg := "0"
	if useGPU {
		gpuArg = "1"
	}
	cmd := exec.CommandContext(ctx, "python3", "-c", optimizeScript, modelPath, gpuArg, outputPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "onnxruntime session failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// ortInit loads the ONNX Runtime shared library once per process. The
// environment is deliberately never destroyed: Optimize may run many times.
var (
	ortInit = sync.OnceValue(func() error {
		ortPath := os.Getenv("ORT_SO_PATH")
		ort.SetSharedLibraryPath(ortPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Wrap(err, "initializing ONNX Runtime environment")
		}
		ortIsCUDA = strings.Contains(ortPath, "gpu")
		return nil
	})
	ortIsCUDA bool
)

// verifyLoadable opens one session over the optimized model to confirm the
// native optimizer produced a loadable graph.
func verifyLoadable(outputPath string, useGPU bool) (err error) {
	if err = ortInit(); err != nil {
		return err
	}
	inputs, outputs, err := ort.GetInputOutputInfo(outputPath)
	if err != nil {
		return errors.Wrapf(err, "inspecting optimized model %q", outputPath)
	}
	name := func(info ort.InputOutputInfo) string { return info.Name }

	var options *ort.SessionOptions
	if useGPU && ortIsCUDA {
		options = must.M1(ort.NewSessionOptions())
		defer func() { _ = options.Destroy() }()
		cudaOptions := must.M1(ort.NewCUDAProviderOptions())
		defer func() { _ = cudaOptions.Destroy() }()
		if err = options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return errors.Wrap(err, "appending CUDA execution provider")
		}
	}
	session, err := ort.NewDynamicAdvancedSession(outputPath,
		sliceMap(inputs, name), sliceMap(outputs, name), options)
	if err != nil {
		return errors.Wrapf(err, "loading optimized model %q", outputPath)
	}
	defer func() { _ = session.Destroy() }()
	klog.V(1).Infof("optimized model %q loads: %d input(s), %d output(s)",
		outputPath, len(inputs), len(outputs))
	return nil
}

func sliceMap[In, Out any](in []In, fn func(In) Out) []Out {
	out := make([]Out, len(in))
	for i, v := range in {
		out[i] = fn(v)
	}
	return out
}
